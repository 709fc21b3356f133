package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"cohortengine/notification-service/internal/repository"
)

type recordingStore struct {
	delivered []int64
	err       error
}

func (s *recordingStore) MarkDelivered(_ context.Context, id int64) error {
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, id)
	return nil
}

type pusherFunc func(ctx context.Context, n *repository.Notification) error

func (f pusherFunc) Push(ctx context.Context, n *repository.Notification) error { return f(ctx, n) }

func TestDeliverMarksDelivered(t *testing.T) {
	store := &recordingStore{}
	s := NewNotificationSender(store, NewLogPusher(zap.NewNop()), zap.NewNop())

	s.Deliver(context.Background(), &repository.Notification{ID: 5, RecipientID: 1})
	assert.Equal(t, []int64{5}, store.delivered)
}

func TestDeliverPushFailureLeavesUndelivered(t *testing.T) {
	store := &recordingStore{}
	failing := pusherFunc(func(context.Context, *repository.Notification) error { return errors.New("offline") })
	s := NewNotificationSender(store, failing, zap.NewNop())

	s.Deliver(context.Background(), &repository.Notification{ID: 5, RecipientID: 1})
	assert.Empty(t, store.delivered)
}

func TestRender(t *testing.T) {
	n := &repository.Notification{ActorID: 12, Verb: "Just joined your project", SubjectKind: "project", SubjectID: 3}
	assert.Equal(t, "#12 Just joined your project (project 3)", Render(n))
}
