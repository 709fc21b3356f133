package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/pkg/apperr"
)

type progressFixture struct {
	*fixture
	milestone model.Milestone
	team      *model.Team
	a, b      model.Subscriber
	outsider  model.Subscriber
}

func newProgressFixture(t *testing.T) *progressFixture {
	t.Helper()
	f := newFixture(t, 3)
	pf := &progressFixture{
		fixture:   f,
		milestone: f.store.AddMilestone(f.project.ID, 1, "Design review"),
		a:         f.member(t, "a", f.basic),
		b:         f.member(t, "b", f.basic),
		outsider:  f.member(t, "outsider", f.basic),
	}
	pf.team = f.join(t, pf.a.ID)
	f.join(t, pf.b.ID)
	return pf
}

func (pf *progressFixture) submit(t *testing.T, in SubmitInput) *model.Report {
	t.Helper()
	if in.MilestoneID == 0 {
		in.MilestoneID = pf.milestone.ID
	}
	if in.TeamID == 0 {
		in.TeamID = pf.team.ID
	}
	if in.Message == "" {
		in.Message = "we shipped it"
	}
	report, err := pf.progress.Submit(pf.ctx, in)
	require.NoError(t, err)
	return report
}

func TestSubmitReport(t *testing.T) {
	pf := newProgressFixture(t)

	report := pf.submit(t, SubmitInput{
		SubmitterID: pf.a.ID,
		Members:     []int64{pf.a.ID, pf.b.ID, pf.a.ID},
		Images:      []string{"https://img.example/1.png"},
	})
	assert.Equal(t, model.ReportPending, report.Status)
	assert.Equal(t, []int64{pf.a.ID, pf.b.ID}, report.Members)
	assert.Equal(t, model.VideoDone, report.VideoStatus)

	team, err := pf.store.GetTeam(pf.ctx, pf.team.ID)
	require.NoError(t, err)
	assert.True(t, team.HasStartedProgressing)

	notes := pf.notifications(t)
	last := notes[len(notes)-1]
	assert.Equal(t, model.VerbCompletedMilestone, last.Verb)
	assert.Equal(t, pf.coach.SubscriberID, last.RecipientID)
	assert.Equal(t, string(model.SubjectReport), last.SubjectKind)
	assert.Equal(t, report.ID, last.SubjectID)
}

func TestSubmitDefaultsMembersToSubmitter(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.b.ID})
	assert.Equal(t, []int64{pf.b.ID}, report.Members)
}

func TestSubmitRejections(t *testing.T) {
	pf := newProgressFixture(t)
	other := pf.store.AddProject(pf.coach.ID, "Other", 3, "price_project")
	foreign := pf.store.AddMilestone(other.ID, 1, "Elsewhere")

	tests := []struct {
		name string
		in   SubmitInput
		code apperr.Code
	}{
		{
			name: "blank message",
			in:   SubmitInput{MilestoneID: pf.milestone.ID, TeamID: pf.team.ID, SubmitterID: pf.a.ID, Message: "   "},
			code: apperr.CodeValidation,
		},
		{
			name: "negative video count",
			in:   SubmitInput{MilestoneID: pf.milestone.ID, TeamID: pf.team.ID, SubmitterID: pf.a.ID, Message: "x", VideoCount: -1},
			code: apperr.CodeValidation,
		},
		{
			name: "unknown milestone",
			in:   SubmitInput{MilestoneID: 9999, TeamID: pf.team.ID, SubmitterID: pf.a.ID, Message: "x"},
			code: apperr.CodeNotFound,
		},
		{
			name: "unknown team",
			in:   SubmitInput{MilestoneID: pf.milestone.ID, TeamID: 9999, SubmitterID: pf.a.ID, Message: "x"},
			code: apperr.CodeNotFound,
		},
		{
			name: "milestone of another project",
			in:   SubmitInput{MilestoneID: foreign.ID, TeamID: pf.team.ID, SubmitterID: pf.a.ID, Message: "x"},
			code: apperr.CodeValidation,
		},
		{
			name: "submitter outside the team",
			in:   SubmitInput{MilestoneID: pf.milestone.ID, TeamID: pf.team.ID, SubmitterID: pf.outsider.ID, Message: "x"},
			code: apperr.CodeForbidden,
		},
		{
			name: "listed member outside the team",
			in: SubmitInput{
				MilestoneID: pf.milestone.ID, TeamID: pf.team.ID, SubmitterID: pf.a.ID, Message: "x",
				Members: []int64{pf.a.ID, pf.outsider.ID},
			},
			code: apperr.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pf.progress.Submit(pf.ctx, tt.in)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestReviewAccept(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.a.ID, Members: []int64{pf.a.ID, pf.b.ID}})

	reviewed, err := pf.progress.Review(pf.ctx, report.ID, pf.coach.SubscriberID, model.ReportAccepted, "great work")
	require.NoError(t, err)
	assert.Equal(t, model.ReportAccepted, reviewed.Status)
	assert.Equal(t, "great work", reviewed.Feedback)
	assert.NotNil(t, reviewed.ReviewedAt)
	assert.True(t, pf.store.Completed(pf.milestone.ID, pf.team.ID))
	assert.Equal(t, 2, pf.countVerb(t, model.VerbMilestoneAccepted))

	again, err := pf.progress.Review(pf.ctx, report.ID, pf.coach.SubscriberID, model.ReportAccepted, "")
	require.NoError(t, err)
	assert.Equal(t, model.ReportAccepted, again.Status)
	assert.Equal(t, 2, pf.countVerb(t, model.VerbMilestoneAccepted))

	_, err = pf.progress.Review(pf.ctx, report.ID, pf.coach.SubscriberID, model.ReportRejected, "")
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
}

func TestReviewReject(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.a.ID})

	reviewed, err := pf.progress.Review(pf.ctx, report.ID, pf.coach.SubscriberID, model.ReportRejected, "needs a demo")
	require.NoError(t, err)
	assert.Equal(t, model.ReportRejected, reviewed.Status)
	assert.False(t, pf.store.Completed(pf.milestone.ID, pf.team.ID))
	assert.Equal(t, 1, pf.countVerb(t, model.VerbMilestoneRejected))
}

func TestReviewRejections(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.a.ID})

	_, err := pf.progress.Review(pf.ctx, report.ID, pf.a.ID, model.ReportAccepted, "")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = pf.progress.Review(pf.ctx, report.ID, pf.coach.SubscriberID, model.ReportPending, "")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = pf.progress.Review(pf.ctx, 9999, pf.coach.SubscriberID, model.ReportAccepted, "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	stored, err := pf.store.GetReport(pf.ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportPending, stored.Status)
}

func TestVideoPipeline(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.a.ID, VideoCount: 2})
	require.Len(t, report.Videos, 2)
	assert.Equal(t, model.VideoProcessing, report.VideoStatus)

	first, err := pf.progress.MarkVideoReady(pf.ctx, report.Videos[0].Passthrough, "asset_1", "play_1")
	require.NoError(t, err)
	assert.Equal(t, model.VideoProcessing, first.VideoStatus)
	assert.Equal(t, model.VideoReady, first.Videos[0].Status)
	assert.Equal(t, "play_1", first.Videos[0].PlaybackID)

	done, err := pf.progress.MarkVideoReady(pf.ctx, report.Videos[1].Passthrough, "asset_2", "play_2")
	require.NoError(t, err)
	assert.Equal(t, model.VideoDone, done.VideoStatus)

	_, err = pf.progress.MarkVideoReady(pf.ctx, "not-a-uuid", "a", "p")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = pf.progress.MarkVideoReady(pf.ctx, uuid.NewString(), "a", "p")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestGetReportVisibility(t *testing.T) {
	pf := newProgressFixture(t)
	report := pf.submit(t, SubmitInput{SubmitterID: pf.a.ID})

	for _, viewer := range []int64{pf.a.ID, pf.b.ID, pf.coach.SubscriberID} {
		got, err := pf.progress.GetReport(pf.ctx, report.ID, viewer)
		require.NoError(t, err)
		assert.Equal(t, report.ID, got.ID)
	}

	_, err := pf.progress.GetReport(pf.ctx, report.ID, pf.outsider.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = pf.progress.GetReport(pf.ctx, 9999, pf.a.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestSubmitChecksMembershipUnderProjectLock(t *testing.T) {
	pf := newProgressFixture(t)
	pf.store.TakeLocks()

	pf.submit(t, SubmitInput{SubmitterID: pf.a.ID})
	assert.Equal(t, []int64{pf.project.ID}, pf.store.TakeLocks())

	// 取消订阅后不能再以该队伍名义提交
	require.NoError(t, pf.subs.Cancel(pf.ctx, pf.b.ID, pf.basic.ID))
	_, err := pf.progress.Submit(pf.ctx, SubmitInput{
		MilestoneID: pf.milestone.ID,
		TeamID:      pf.team.ID,
		SubmitterID: pf.b.ID,
		Message:     "late",
	})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}
