// Package repotest provides an in-memory repository.Store for service and handler tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/outbox"
)

type pairKey struct{ a, b int64 }

type data struct {
	nextID        int64
	subscribers   map[int64]model.Subscriber
	coaches       map[int64]model.Coach
	tiers         map[int64]model.Tier
	projects      map[int64]model.Project
	milestones    map[int64]model.Milestone
	subscriptions map[pairKey]model.Subscription
	coupons       map[int64]model.Coupon
	teams         map[int64]model.Team
	rooms         map[int64]model.ChatRoom
	attempts      map[string]model.EnrollmentAttempt
	reports       map[int64]model.Report
	completions   map[pairKey]time.Time
	outbox        []outbox.Event
}

func newData() *data {
	return &data{
		subscribers:   map[int64]model.Subscriber{},
		coaches:       map[int64]model.Coach{},
		tiers:         map[int64]model.Tier{},
		projects:      map[int64]model.Project{},
		milestones:    map[int64]model.Milestone{},
		subscriptions: map[pairKey]model.Subscription{},
		coupons:       map[int64]model.Coupon{},
		teams:         map[int64]model.Team{},
		rooms:         map[int64]model.ChatRoom{},
		attempts:      map[string]model.EnrollmentAttempt{},
		reports:       map[int64]model.Report{},
		completions:   map[pairKey]time.Time{},
	}
}

func (d *data) clone() *data {
	c := newData()
	c.nextID = d.nextID
	for k, v := range d.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range d.coaches {
		c.coaches[k] = v
	}
	for k, v := range d.tiers {
		c.tiers[k] = v
	}
	for k, v := range d.projects {
		c.projects[k] = v
	}
	for k, v := range d.milestones {
		c.milestones[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.coupons {
		c.coupons[k] = v
	}
	for k, v := range d.teams {
		v.Members = append([]int64(nil), v.Members...)
		c.teams[k] = v
	}
	for k, v := range d.rooms {
		v.Members = append([]int64(nil), v.Members...)
		c.rooms[k] = v
	}
	for k, v := range d.attempts {
		c.attempts[k] = v
	}
	for k, v := range d.reports {
		c.reports[k] = copyReport(v)
	}
	for k, v := range d.completions {
		c.completions[k] = v
	}
	c.outbox = append([]outbox.Event(nil), d.outbox...)
	return c
}

func copyReport(r model.Report) model.Report {
	r.Members = append([]int64(nil), r.Members...)
	r.Images = append([]string(nil), r.Images...)
	r.Videos = append([]model.Video(nil), r.Videos...)
	return r
}

type txKey struct{}

// Store keeps everything in maps. Transactions are serialized and roll back by
// restoring a snapshot, which is close enough to a per-project row lock for tests.
type Store struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	d        *data
	now      func() time.Time
	failures map[string]error
	// locks lists LockProject calls in order; it survives rollbacks.
	locks []int64
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		d:        newData(),
		now:      time.Now,
		failures: map[string]error{},
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) fault(method string) error {
	return s.failures[method]
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx, s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true), s); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) id() int64 {
	s.d.nextID++
	return s.d.nextID
}

// Seeding helpers.

func (s *Store) AddSubscriber(name string) model.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := model.Subscriber{ID: s.id(), Name: name, CustomerID: "cus_" + name}
	s.d.subscribers[sub.ID] = sub
	return sub
}

// AddCoach creates the coach's own subscriber identity as well.
func (s *Store) AddCoach(name string) model.Coach {
	sub := s.AddSubscriber(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := model.Coach{ID: s.id(), SubscriberID: sub.ID, Name: name, PayoutAccountID: "acct_" + name}
	s.d.coaches[c.ID] = c
	return c
}

// AddTier gives every paid level a recurring price named after the tier id.
func (s *Store) AddTier(coachID int64, level model.TierLevel, label string) model.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := model.Tier{ID: s.id(), CoachID: coachID, Level: level, Label: label, Credit: decimal.Zero}
	if level != model.TierFree {
		t.PriceID = fmt.Sprintf("price_tier_%d", t.ID)
	}
	s.d.tiers[t.ID] = t
	return t
}

// SetTierPrice overrides the tier's recurring price; "" makes it unbillable.
func (s *Store) SetTierPrice(tierID int64, priceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.d.tiers[tierID]
	t.PriceID = priceID
	s.d.tiers[tierID] = t
}

func (s *Store) AddProject(coachID int64, name string, teamSize int, priceID string) model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := model.Project{ID: s.id(), CoachID: coachID, Name: name, TeamSize: teamSize, PriceID: priceID}
	s.d.projects[p.ID] = p
	return p
}

func (s *Store) SetTeamSize(projectID int64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.d.projects[projectID]
	p.TeamSize = size
	s.d.projects[projectID] = p
}

func (s *Store) AddMilestone(projectID int64, position int, description string) model.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Milestone{ID: s.id(), ProjectID: projectID, Position: position, Description: description}
	s.d.milestones[m.ID] = m
	return m
}

func (s *Store) OutboxEvents() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.d.outbox...)
}

func (s *Store) Rooms(teamID int64) []model.ChatRoom {
	rooms, _ := s.ListTeamRooms(context.Background(), teamID)
	return rooms
}

func (s *Store) Completed(milestoneID, teamID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.d.completions[pairKey{milestoneID, teamID}]
	return ok
}

// Catalog

func (s *Store) GetProject(_ context.Context, id int64) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.d.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) LockProject(ctx context.Context, id int64) (*model.Project, error) {
	s.mu.Lock()
	s.locks = append(s.locks, id)
	s.mu.Unlock()
	return s.GetProject(ctx, id)
}

// TakeLocks returns the projects locked since the last call.
func (s *Store) TakeLocks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

func (s *Store) GetCoach(_ context.Context, id int64) (*model.Coach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.d.coaches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetSubscriber(_ context.Context, id int64) (*model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.d.subscribers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) GetTier(_ context.Context, id int64) (*model.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.d.tiers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *Store) GetMilestone(_ context.Context, id int64) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.d.milestones[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

// Ledger

func (s *Store) GetSubscription(_ context.Context, subscriberID, coachID int64) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.d.subscriptions[pairKey{subscriberID, coachID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub *model.Subscription, prevRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertSubscription"); err != nil {
		return false, err
	}
	key := pairKey{sub.SubscriberID, sub.CoachID}
	now := s.now()
	existing, ok := s.d.subscriptions[key]
	if ok && existing.TierID == sub.TierID && existing.ExternalRef == sub.ExternalRef {
		return false, nil
	}
	if ok && existing.ExternalRef != prevRef {
		return false, repository.ErrStale
	}
	if ok {
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.d.subscriptions[key] = *sub
	return true, nil
}

func (s *Store) DeleteSubscription(_ context.Context, subscriberID, coachID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{subscriberID, coachID}
	if _, ok := s.d.subscriptions[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.d.subscriptions, key)
	return nil
}

// Coupons

func (s *Store) GetCoupon(_ context.Context, subscriberID, coachID int64) (*model.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.d.coupons {
		if c.SubscriberID == subscriberID && c.CoachID == coachID {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) InsertCouponIfAbsent(_ context.Context, c *model.Coupon) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.d.coupons {
		if existing.SubscriberID == c.SubscriberID && existing.CoachID == c.CoachID {
			return false, nil
		}
	}
	c.ID = s.id()
	c.Valid = true
	c.CreatedAt = s.now()
	s.d.coupons[c.ID] = *c
	return true, nil
}

func (s *Store) RedeemCoupon(_ context.Context, couponID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.d.coupons[couponID]
	if !ok || !c.Valid {
		return false, nil
	}
	now := s.now()
	c.Valid = false
	c.RedeemedAt = &now
	s.d.coupons[couponID] = c
	return true, nil
}

func (s *Store) ListCoupons(_ context.Context, subscriberID int64) ([]model.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Coupon
	for _, c := range s.d.coupons {
		if c.SubscriberID == subscriberID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Teams

func (s *Store) started(teamID int64) bool {
	for _, r := range s.d.reports {
		if r.TeamID == teamID {
			return true
		}
	}
	return false
}

func (s *Store) teamView(t model.Team) model.Team {
	t.Members = append([]int64{}, t.Members...)
	t.HasStartedProgressing = s.started(t.ID)
	return t
}

func (s *Store) projectTeams(projectID int64) []model.Team {
	var teams []model.Team
	for _, t := range s.d.teams {
		if t.ProjectID == projectID {
			teams = append(teams, s.teamView(t))
		}
	}
	// IDs are handed out in creation order.
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams
}

func (s *Store) ListTeamLoads(_ context.Context, projectID int64) ([]model.TeamLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var loads []model.TeamLoad
	for _, t := range s.projectTeams(projectID) {
		loads = append(loads, model.TeamLoad{
			TeamID:      t.ID,
			MemberCount: len(t.Members),
			Started:     t.HasStartedProgressing,
		})
	}
	return loads, nil
}

func (s *Store) FindMemberTeam(_ context.Context, projectID, subscriberID int64) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.projectTeams(projectID) {
		if t.HasMember(subscriberID) {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CreateTeam(_ context.Context, projectID int64, name string) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateTeam"); err != nil {
		return nil, err
	}
	t := model.Team{ID: s.id(), ProjectID: projectID, Name: name, Members: []int64{}, CreatedAt: s.now()}
	s.d.teams[t.ID] = t
	return &t, nil
}

func (s *Store) AddTeamMember(_ context.Context, teamID, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AddTeamMember"); err != nil {
		return err
	}
	t, ok := s.d.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	if !t.HasMember(subscriberID) {
		t.Members = append(append([]int64(nil), t.Members...), subscriberID)
		s.d.teams[teamID] = t
	}
	return nil
}

func (s *Store) RemoveTeamMember(_ context.Context, teamID, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.d.teams[teamID]
	if !ok {
		return nil
	}
	t.Members = without(t.Members, subscriberID)
	s.d.teams[teamID] = t
	return nil
}

func (s *Store) GetTeam(_ context.Context, id int64) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.d.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	v := s.teamView(t)
	return &v, nil
}

func (s *Store) ListTeams(_ context.Context, projectID int64) ([]model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectTeams(projectID), nil
}

func (s *Store) ListCoachTeamsForMember(_ context.Context, coachID, subscriberID int64) ([]model.TeamRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []model.TeamRef
	for _, t := range s.d.teams {
		if s.d.projects[t.ProjectID].CoachID == coachID && t.HasMember(subscriberID) {
			refs = append(refs, model.TeamRef{TeamID: t.ID, ProjectID: t.ProjectID})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].TeamID < refs[j].TeamID })
	return refs, nil
}

func (s *Store) DeleteTeamIfEmpty(_ context.Context, teamID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteTeamIfEmpty"); err != nil {
		return false, err
	}
	t, ok := s.d.teams[teamID]
	if !ok || len(t.Members) > 0 {
		return false, nil
	}
	delete(s.d.teams, teamID)
	for id, r := range s.d.rooms {
		if r.TeamID == teamID {
			delete(s.d.rooms, id)
		}
	}
	for id, r := range s.d.reports {
		if r.TeamID == teamID {
			delete(s.d.reports, id)
		}
	}
	for ref, a := range s.d.attempts {
		if a.TeamID != nil && *a.TeamID == teamID {
			a.TeamID = nil
			s.d.attempts[ref] = a
		}
	}
	return true, nil
}

// Chat

func (s *Store) CreateRoom(_ context.Context, room *model.ChatRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room.ID = s.id()
	stored := *room
	stored.Members = append([]int64{}, room.Members...)
	s.d.rooms[room.ID] = stored
	return nil
}

func (s *Store) AddRoomMember(_ context.Context, roomID, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.d.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, m := range r.Members {
		if m == subscriberID {
			return nil
		}
	}
	r.Members = append(append([]int64(nil), r.Members...), subscriberID)
	s.d.rooms[roomID] = r
	return nil
}

func (s *Store) RemoveRoomMember(_ context.Context, roomID, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.d.rooms[roomID]
	if !ok {
		return nil
	}
	r.Members = without(r.Members, subscriberID)
	s.d.rooms[roomID] = r
	return nil
}

func (s *Store) ListTeamRooms(_ context.Context, teamID int64) ([]model.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []model.ChatRoom
	for _, r := range s.d.rooms {
		if r.TeamID == teamID {
			r.Members = append([]int64{}, r.Members...)
			rooms = append(rooms, r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// Attempts

func (s *Store) InsertAttempt(_ context.Context, a *model.EnrollmentAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.d.attempts[a.Reference]; ok {
		return false, nil
	}
	if a.Status == "" {
		a.Status = model.AttemptCreated
	}
	a.CreatedAt = s.now()
	s.d.attempts[a.Reference] = *a
	return true, nil
}

func (s *Store) GetAttempt(_ context.Context, reference string) (*model.EnrollmentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.d.attempts[reference]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (s *Store) FindOpenAttempt(_ context.Context, subscriberID, projectID int64, method model.PaymentMethod) (*model.EnrollmentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *model.EnrollmentAttempt
	for _, a := range s.d.attempts {
		if a.SubscriberID != subscriberID || a.ProjectID != projectID || a.Method != method || a.Status != model.AttemptCreated {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) || (a.CreatedAt.Equal(newest.CreatedAt) && a.Reference > newest.Reference) {
			a := a
			newest = &a
		}
	}
	if newest == nil {
		return nil, repository.ErrNotFound
	}
	return newest, nil
}

func (s *Store) CompleteAttempt(_ context.Context, reference, trigger string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CompleteAttempt"); err != nil {
		return false, err
	}
	a, ok := s.d.attempts[reference]
	if !ok || a.Status == model.AttemptCompleted {
		return false, nil
	}
	now := s.now()
	a.Status = model.AttemptCompleted
	a.Trigger = trigger
	a.CompletedAt = &now
	a.FailureReason = ""
	s.d.attempts[reference] = a
	return true, nil
}

func (s *Store) SetAttemptTeam(_ context.Context, reference string, teamID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.d.attempts[reference]
	if !ok {
		return repository.ErrNotFound
	}
	a.TeamID = &teamID
	s.d.attempts[reference] = a
	return nil
}

func (s *Store) FailAttempt(_ context.Context, reference, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.d.attempts[reference]
	if !ok || a.Status != model.AttemptCreated {
		return false, nil
	}
	a.Status = model.AttemptFailed
	a.FailureReason = reason
	s.d.attempts[reference] = a
	return true, nil
}

// Reports

func (s *Store) InsertReport(_ context.Context, r *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	r.Status = model.ReportPending
	r.CreatedAt = s.now()
	if r.Images == nil {
		r.Images = []string{}
	}
	for i := range r.Videos {
		r.Videos[i].ID = s.id()
		r.Videos[i].Status = model.VideoProcessing
	}
	s.d.reports[r.ID] = copyReport(*r)
	return nil
}

func (s *Store) GetReport(_ context.Context, id int64) (*model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.d.reports[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyReport(r)
	return &out, nil
}

func (s *Store) LockReport(ctx context.Context, id int64) (*model.Report, error) {
	return s.GetReport(ctx, id)
}

func (s *Store) UpdateReportDecision(_ context.Context, id int64, status model.ReportStatus, feedback string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.d.reports[id]
	if !ok || r.Status != model.ReportPending {
		return false, nil
	}
	now := s.now()
	r.Status = status
	r.Feedback = feedback
	r.ReviewedAt = &now
	s.d.reports[id] = r
	return true, nil
}

func (s *Store) MarkVideoReady(_ context.Context, passthrough, assetID, playbackID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := uuid.Parse(passthrough); err != nil {
		return 0, repository.ErrNotFound
	}
	for id, r := range s.d.reports {
		for i, v := range r.Videos {
			if v.Passthrough != passthrough {
				continue
			}
			r = copyReport(r)
			r.Videos[i].Status = model.VideoReady
			r.Videos[i].AssetID = assetID
			r.Videos[i].PlaybackID = playbackID
			s.d.reports[id] = r
			return id, nil
		}
	}
	return 0, repository.ErrNotFound
}

func (s *Store) CountProcessingVideos(_ context.Context, reportID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.d.reports[reportID].Videos {
		if v.Status == model.VideoProcessing {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetReportVideoStatus(_ context.Context, reportID int64, status model.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.d.reports[reportID]
	if !ok {
		return repository.ErrNotFound
	}
	r.VideoStatus = status
	s.d.reports[reportID] = r
	return nil
}

func (s *Store) RecordMilestoneCompletion(_ context.Context, milestoneID, teamID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{milestoneID, teamID}
	if _, ok := s.d.completions[key]; !ok {
		s.d.completions[key] = s.now()
	}
	return nil
}

// Outbox

func (s *Store) InsertOutboxEvent(_ context.Context, e *outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertOutboxEvent"); err != nil {
		return err
	}
	e.ID = s.id()
	if e.Status == "" {
		e.Status = outbox.StatusPending
	}
	e.CreatedAt = s.now()
	e.UpdatedAt = e.CreatedAt
	s.d.outbox = append(s.d.outbox, *e)
	return nil
}

func without(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
