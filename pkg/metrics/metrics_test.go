package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersUseLabels(t *testing.T) {
	before := testutil.ToFloat64(EnrollmentCompletions.WithLabelValues("webhook", "applied"))
	IncrementEnrollmentCompletion("webhook", "applied")
	IncrementEnrollmentCompletion("webhook", "applied")
	IncrementEnrollmentCompletion("confirm", "duplicate")

	assert.Equal(t, before+2, testutil.ToFloat64(EnrollmentCompletions.WithLabelValues("webhook", "applied")))
}

func TestNotificationDeliveryCounter(t *testing.T) {
	before := testutil.ToFloat64(NotificationDeliveries.WithLabelValues("delivered"))
	IncrementNotificationDelivery("delivered")
	assert.Equal(t, before+1, testutil.ToFloat64(NotificationDeliveries.WithLabelValues("delivered")))
}

func TestCollectorsLint(t *testing.T) {
	IncrementTeamAssignment("created")
	problems, err := testutil.CollectAndLint(TeamAssignments)
	assert.NoError(t, err)
	assert.Empty(t, problems)
}
