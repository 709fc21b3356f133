package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/handler"
	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/enrollment-service/internal/payment/paymenttest"
	"cohortengine/enrollment-service/internal/repository/repotest"
	"cohortengine/enrollment-service/internal/service"
	"cohortengine/pkg/outbox"
	"cohortengine/pkg/ratelimit"
	"cohortengine/pkg/rbac"
	"cohortengine/pkg/util"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
	testVideoToken    = "video-token"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeReplayer struct {
	failed   []*outbox.Event
	replayed []int64
}

func (r *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	for _, e := range r.failed {
		if e.ID == id {
			r.replayed = append(r.replayed, id)
			return nil
		}
	}
	return outbox.ErrEventNotFound
}

func (r *fakeReplayer) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	n := 0
	for _, e := range r.failed {
		if n == limit {
			break
		}
		if err := r.ReplayEvent(ctx, e.ID); err == nil {
			n++
		}
	}
	return n, nil
}

func (r *fakeReplayer) ListFailed(context.Context, int) ([]*outbox.Event, error) {
	return r.failed, nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

type testServer struct {
	t        *testing.T
	engine   *gin.Engine
	store    *repotest.Store
	proc     *paymenttest.Fake
	progress *service.ProgressService
	replayer *fakeReplayer

	coach     model.Coach
	basic     model.Tier
	project   model.Project
	milestone model.Milestone
}

func newTestServer(t *testing.T, db Pinger, opts ...func(*Handlers)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store := repotest.New()
	proc := paymenttest.NewFake()
	proc.Prices["price_cohort"] = payment.Price{UnitAmount: 5000, Currency: "usd"}

	emitter := notify.NewEmitter(logger)
	alloc := service.NewAllocator(service.StrategyFirstFit, emitter, logger)
	enroll := service.NewEnrollmentService(store, proc, alloc, emitter, service.EnrollmentOptions{
		ApplicationFeeRate: decimal.RequireFromString("0.2"),
	}, logger)
	subs := service.NewSubscriptionService(store, proc, emitter, logger)
	progress := service.NewProgressService(store, emitter, logger)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	validate := validator.New()
	replayer := &fakeReplayer{failed: []*outbox.Event{{ID: 7, RoutingKey: "notification.created", Status: outbox.StatusFailed}}}
	h := Handlers{
		Admin:        handler.NewAdminHandler(replayer, logger),
		Enrollment:   handler.NewEnrollmentHandler(enroll, logger),
		Subscription: handler.NewSubscriptionHandler(subs, logger),
		Progress:     handler.NewProgressHandler(progress, validate, logger),
		Webhook: handler.NewWebhookHandler(
			payment.NewWebhookParser([]string{testWebhookSecret}),
			enroll,
			progress,
			util.NewDeduper(rdb, time.Hour, logger),
			testVideoToken,
			logger,
		),
	}
	for _, opt := range opts {
		opt(&h)
	}

	coach := store.AddCoach("coach")
	project := store.AddProject(coach.ID, "Cohort", 3, "price_cohort")
	return &testServer{
		t:         t,
		engine:    NewRouter(h, testJWTSecret, db, logger).Engine,
		store:     store,
		proc:      proc,
		progress:  progress,
		replayer:  replayer,
		coach:     coach,
		basic:     store.AddTier(coach.ID, model.TierOne, "Basic"),
		project:   project,
		milestone: store.AddMilestone(project.ID, 1, "Kickoff"),
	}
}

func (s *testServer) token(subscriberID int64, role string) string {
	s.t.Helper()
	tok, err := util.GenerateJWT(util.Claims{SubscriberID: subscriberID, Role: role}, testJWTSecret, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// payer 已订阅但没有优惠券
func (s *testServer) payer(name string) model.Subscriber {
	s.t.Helper()
	sub := s.store.AddSubscriber(name)
	_, err := s.store.UpsertSubscription(context.Background(), &model.Subscription{
		SubscriberID: sub.ID, CoachID: s.coach.ID, TierID: s.basic.ID,
	}, "")
	require.NoError(s.t, err)
	return sub
}

func (s *testServer) signedEvent(id, typ string, object map[string]any) ([]byte, string) {
	s.t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	require.NoError(s.t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return sp.Payload, sp.Header
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error object: %s", w.Body.String())
	assert.NotEmpty(t, errObj["message"])
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", "", nil).Code)

	down := newTestServer(t, fakePinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", "", nil).Code)
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	w := s.do(http.MethodGet, "/healthz", "", nil, "X-Trace-ID", "abc123")
	assert.Equal(t, "abc123", w.Header().Get("X-Trace-ID"))

	w = s.do(http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, fakePinger{})

	w := s.do(http.MethodPost, "/projects/1/join", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	w = s.do(http.MethodPost, "/projects/1/join", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJoinErrorsUseErrorEnvelope(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	stranger := s.store.AddSubscriber("stranger")
	tok := s.token(stranger.ID, rbac.RoleSubscriber)

	w := s.do(http.MethodPost, "/projects/"+itoa(s.project.ID)+"/join", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INELIGIBLE_TIER", errorCode(t, w))

	w = s.do(http.MethodPost, "/projects/9999/join", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PROJECT_NOT_FOUND", errorCode(t, w))

	w = s.do(http.MethodPost, "/projects/abc/join", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, w))
}

func TestJoinIsRateLimitedPerSubscriber(t *testing.T) {
	s := newTestServer(t, fakePinger{}, func(h *Handlers) {
		h.Limiter = ratelimit.NewKeyedLimiter(0.001, 2, time.Minute)
	})
	path := "/projects/" + itoa(s.project.ID) + "/join"
	first := s.token(s.store.AddSubscriber("first").ID, rbac.RoleSubscriber)
	second := s.token(s.store.AddSubscriber("second").ID, rbac.RoleSubscriber)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, path, first, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, path, first, nil).Code)

	w := s.do(http.MethodPost, path, first, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, path, second, nil).Code)
	// 只读路由不限流
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/projects/"+itoa(s.project.ID)+"/teams", first, nil).Code)
}

func TestPaidJoinThroughWebhook(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	sub := s.payer("payer")
	tok := s.token(sub.ID, rbac.RoleSubscriber)

	w := s.do(http.MethodPost, "/projects/"+itoa(s.project.ID)+"/join", tok, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	pending := decode(t, w)["pending_payment"].(map[string]any)
	reference := pending["reference"].(string)
	assert.NotEmpty(t, pending["client_secret"])

	w = s.do(http.MethodPost, "/payments/"+reference+"/confirm", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "PAYMENT_REQUIRED", errorCode(t, w))

	md := payment.EnrollmentMetadata{Type: payment.MetadataTypeProject, SubscriberID: sub.ID, ProjectID: s.project.ID}
	payload, sig := s.signedEvent("evt_1", "payment_intent.succeeded", map[string]any{
		"id":       reference,
		"object":   "payment_intent",
		"metadata": md.Map(),
	})

	w = s.do(http.MethodPost, "/webhooks/payment", "", payload, "Stripe-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", decode(t, w)["status"])

	w = s.do(http.MethodPost, "/webhooks/payment", "", payload, "Stripe-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["status"])

	w = s.do(http.MethodGet, "/payments/"+reference, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(model.AttemptCompleted), decode(t, w)["status"])

	// 同步确认在 webhook 之后到达，返回同一个队伍
	w = s.do(http.MethodPost, "/payments/"+reference+"/confirm", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/projects/"+itoa(s.project.ID)+"/teams", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	payload, _ := s.signedEvent("evt_2", "payment_intent.succeeded", map[string]any{"id": "pi_x"})

	w := s.do(http.MethodPost, "/webhooks/payment", "", payload, "Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, w))

	w = s.do(http.MethodPost, "/webhooks/payment", "", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentWebhookIgnoresOtherEvents(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	payload, sig := s.signedEvent("evt_3", "customer.created", map[string]any{"id": "cus_1"})

	w := s.do(http.MethodPost, "/webhooks/payment", "", payload, "Stripe-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])
}

func TestSubscribeAndCoupons(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	sub := s.store.AddSubscriber("fan")
	tok := s.token(sub.ID, rbac.RoleSubscriber)

	w := s.do(http.MethodPost, "/tiers/9999/subscribe", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/tiers/"+itoa(s.basic.ID)+"/subscribe", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/me/coupons", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["coupons"], 1)

	w = s.do(http.MethodPost, "/projects/"+itoa(s.project.ID)+"/join", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, decode(t, w)["team"])

	w = s.do(http.MethodDelete, "/tiers/"+itoa(s.basic.ID)+"/subscribe", tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestReportFlow(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	member := s.store.AddSubscriber("member")
	_, err := s.store.UpsertSubscription(context.Background(), &model.Subscription{
		SubscriberID: member.ID, CoachID: s.coach.ID, TierID: s.basic.ID,
	}, "")
	require.NoError(t, err)
	// 直接插入优惠券，免去支付
	_, err = s.store.InsertCouponIfAbsent(context.Background(), &model.Coupon{SubscriberID: member.ID, CoachID: s.coach.ID, ExternalRef: "coupon_x"})
	require.NoError(t, err)

	memberTok := s.token(member.ID, rbac.RoleSubscriber)
	coachTok := s.token(s.coach.SubscriberID, rbac.RoleCoach)

	w := s.do(http.MethodPost, "/projects/"+itoa(s.project.ID)+"/join", memberTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	teamID := int64(decode(t, w)["team"].(map[string]any)["id"].(float64))

	w = s.do(http.MethodPost, "/milestones/"+itoa(s.milestone.ID)+"/reports", memberTok, map[string]any{"team_id": teamID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/milestones/"+itoa(s.milestone.ID)+"/reports", memberTok, map[string]any{
		"team_id":     teamID,
		"message":     "demo recorded",
		"video_count": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	report := decode(t, w)
	reportPath := "/reports/" + itoa(int64(report["id"].(float64)))

	w = s.do(http.MethodPatch, reportPath, memberTok, map[string]any{"decision": "ACCEPTED"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPatch, reportPath, coachTok, map[string]any{"decision": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPatch, reportPath, coachTok, map[string]any{"decision": "ACCEPTED", "feedback": "nice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ACCEPTED", decode(t, w)["status"])

	w = s.do(http.MethodPatch, reportPath, coachTok, map[string]any{"decision": "REJECTED"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))

	w = s.do(http.MethodGet, reportPath, memberTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	videos := decode(t, w)["videos"].([]any)
	require.Len(t, videos, 1)
	passthrough := videos[0].(map[string]any)["passthrough"].(string)

	videoEvent := map[string]any{
		"type": "video.asset.ready",
		"data": map[string]any{
			"id":           "asset_1",
			"passthrough":  passthrough,
			"playback_ids": []map[string]any{{"id": "play_1", "policy": "public"}},
		},
	}
	w = s.do(http.MethodPost, "/webhooks/video", "", videoEvent)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/webhooks/video", "", videoEvent, handler.VideoTokenHeader, testVideoToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(model.VideoDone), decode(t, w)["video_status"])
}

func TestAdminOutboxRoutes(t *testing.T) {
	s := newTestServer(t, fakePinger{})
	sub := s.store.AddSubscriber("x")

	w := s.do(http.MethodGet, "/admin/outbox/failed", s.token(sub.ID, rbac.RoleSubscriber), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	admin := s.token(sub.ID, rbac.RoleAdmin)
	w = s.do(http.MethodGet, "/admin/outbox/failed", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = s.do(http.MethodPost, "/admin/outbox/replay?id=8", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/admin/outbox/replay?id=7", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{7}, s.replayer.replayed)

	w = s.do(http.MethodPost, "/admin/outbox/replay", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
