package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "cohortengine/contracts/mq"
	"cohortengine/notification-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/util"
)

type fakeStore struct {
	mu      sync.Mutex
	byEvent map[string]*repository.Notification
	err     error
	// onInsert 在写入前回调
	onInsert func()
}

func (s *fakeStore) Insert(_ context.Context, n *repository.Notification) (bool, error) {
	if s.onInsert != nil {
		s.onInsert()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.byEvent[n.EventID]; ok {
		return false, nil
	}
	n.ID = int64(len(s.byEvent) + 1)
	s.byEvent[n.EventID] = n
	return true, nil
}

type fakeSender struct {
	delivered []*repository.Notification
}

func (s *fakeSender) Deliver(_ context.Context, n *repository.Notification) {
	s.delivered = append(s.delivered, n)
}

func newDeduper(t *testing.T) *util.Deduper {
	d, _ := newDeduperWithRedis(t)
	return d
}

func newDeduperWithRedis(t *testing.T) (*util.Deduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return util.NewDeduper(rdb, time.Hour, zap.NewNop()), mr
}

func payload(t *testing.T, eventID string, recipient int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(mqcontracts.NotificationCreatedPayload{
		EventID:     eventID,
		ActorID:     3,
		RecipientID: recipient,
		Verb:        "Just joined your project",
		SubjectKind: "project",
		SubjectID:   9,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
	return raw
}

func TestHandleStoresAndDeliversOnce(t *testing.T) {
	store := &fakeStore{byEvent: map[string]*repository.Notification{}}
	sender := &fakeSender{}
	h := NewNotificationCreatedHandler(store, sender, newDeduper(t), zap.NewNop())

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, payload(t, "evt-1", 42)))
	require.NoError(t, h.Handle(ctx, payload(t, "evt-1", 42)))

	require.Len(t, store.byEvent, 1)
	require.Len(t, sender.delivered, 1)
	n := sender.delivered[0]
	assert.Equal(t, int64(42), n.RecipientID)
	assert.Equal(t, int64(3), n.ActorID)
	assert.Equal(t, "project", n.SubjectKind)
}

func TestHandleWithoutDeduperFallsBackToEventID(t *testing.T) {
	store := &fakeStore{byEvent: map[string]*repository.Notification{}}
	sender := &fakeSender{}
	h := NewNotificationCreatedHandler(store, sender, nil, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, payload(t, "evt-2", 7)))
	require.NoError(t, h.Handle(ctx, payload(t, "evt-2", 7)))

	assert.Len(t, sender.delivered, 1)
}

func TestHandleStoreFailureLeavesEventRetryable(t *testing.T) {
	store := &fakeStore{byEvent: map[string]*repository.Notification{}, err: errors.New("db down")}
	sender := &fakeSender{}
	deduper := newDeduper(t)
	h := NewNotificationCreatedHandler(store, sender, deduper, zap.NewNop())

	ctx := context.Background()
	require.Error(t, h.Handle(ctx, payload(t, "evt-3", 7)))

	store.err = nil
	require.NoError(t, h.Handle(ctx, payload(t, "evt-3", 7)))
	assert.Len(t, sender.delivered, 1)
}

func TestHandleMarksEventOnlyAfterStoring(t *testing.T) {
	deduper, mr := newDeduperWithRedis(t)
	store := &fakeStore{byEvent: map[string]*repository.Notification{}}
	store.onInsert = func() {
		assert.False(t, mr.Exists("dedup:"+handlerName+":evt-4"), "event marked before it was stored")
	}
	h := NewNotificationCreatedHandler(store, &fakeSender{}, deduper, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), payload(t, "evt-4", 7)))
	assert.True(t, mr.Exists("dedup:"+handlerName+":evt-4"))
}

func TestHandleRejectsMalformedEvents(t *testing.T) {
	h := NewNotificationCreatedHandler(&fakeStore{byEvent: map[string]*repository.Notification{}}, &fakeSender{}, nil, zap.NewNop())
	ctx := context.Background()

	err := h.Handle(ctx, json.RawMessage(`{not json`))
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable)

	err = h.Handle(ctx, payload(t, "", 7))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	retryable, _ = util.IsRetryableError(err)
	assert.False(t, retryable)
}
