package service

import (
	"errors"

	"cohortengine/pkg/apperr"
)

func internal(op string, err error) error {
	return apperr.Wrap(apperr.CodeInternal, op+" failed", err)
}

// asAppErr keeps business errors raised inside a transaction and wraps everything else.
func asAppErr(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return internal(op, err)
}
