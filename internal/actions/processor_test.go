package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/manuscript"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/testsupport"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *testsupport.MemoryStore
	mailer *testsupport.Mailer
	bc     *testsupport.Broadcaster
	assets *testsupport.Assets
	proc   *Processor
}

func newHarness(t *testing.T, suffixes ...string) *harness {
	t.Helper()
	h := &harness{
		store:  testsupport.NewMemoryStore(),
		mailer: &testsupport.Mailer{},
		bc:     &testsupport.Broadcaster{},
		assets: &testsupport.Assets{},
	}
	h.store.AddUser(models.User{ID: "u-author", Email: "author@uni.edu", Username: "author", Role: models.RoleUser})
	h.store.AddUser(models.User{ID: "u-editor", Email: "editor@journal.org", Username: "editor", Role: models.RoleActionEditor})
	h.store.AddUser(models.User{ID: "u-reviewer", Email: "rev@uni.edu", Username: "rev", Role: models.RoleUser})
	h.store.AddManuscript(models.Manuscript{ID: "m-1", Title: "On Queues", Status: models.ManuscriptUnderReview, WorkflowPhase: models.PhaseReview}, "u-author")

	next := 0
	suffix := func() string {
		if next < len(suffixes) {
			next++
			return suffixes[next-1]
		}
		return fmt.Sprintf("gen%03d", next)
	}
	machine := manuscript.NewMachine(h.store).WithClock(func() time.Time { return fixedNow })
	dispatcher := effects.NewDispatcher(h.assets, h.bc, h.mailer, h.store, nil)
	h.proc = NewProcessor(h.store, machine, dispatcher, nil, Options{
		ReviewDefaultDays: 30,
		Now:               func() time.Time { return fixedNow },
		Suffix:            suffix,
	})
	return h
}

func action(kind Kind, data any) bots.RawAction {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return bots.RawAction{Type: string(kind), Data: raw}
}

var editorCtx = Context{ManuscriptID: "m-1", UserID: "u-editor", ConversationID: "c-1"}

func TestEveryKindHasAHandler(t *testing.T) {
	p := newHarness(t).proc
	for _, k := range AllKinds() {
		assert.True(t, p.Registered(k), "kind %s", k)
	}
	assert.Len(t, p.registry, len(AllKinds()))
	assert.False(t, p.Registered(Kind("DELETE_MANUSCRIPT")))
}

func TestFailureIsolationAnyPosition(t *testing.T) {
	for n := 2; n <= 6; n++ {
		for k := 0; k < n; k++ {
			t.Run(fmt.Sprintf("n=%d/k=%d", n, k), func(t *testing.T) {
				h := newHarness(t)
				batch := make([]bots.RawAction, 0, n)
				for i := 0; i < n; i++ {
					if i == k {
						batch = append(batch, action(KindRespondToReview, RespondToReview{AssignmentID: "missing", Response: ResponseAccept}))
						continue
					}
					batch = append(batch, action(KindCreateConversation, CreateConversation{Title: fmt.Sprintf("thread %d", i)}))
				}

				report := h.proc.Process(context.Background(), batch, editorCtx)

				assert.Equal(t, Report{Succeeded: n - 1, Failed: 1}, report)
				assert.Len(t, h.store.Conversations("m-1"), n-1)
			})
		}
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.proc.registry[KindSendManualReminder] = entry{
		decode: func(json.RawMessage) (any, error) { return nil, nil },
		run:    func(context.Context, any, Context) (effects.List, error) { panic("boom") },
	}
	report := h.proc.Process(context.Background(), []bots.RawAction{
		{Type: string(KindSendManualReminder)},
		action(KindCreateConversation, CreateConversation{Title: "after panic"}),
	}, editorCtx)

	assert.Equal(t, Report{Succeeded: 1, Failed: 1}, report)
	assert.Len(t, h.store.Conversations("m-1"), 1)
}

func TestUnknownKindIsSkippedNotFailed(t *testing.T) {
	h := newHarness(t)
	report := h.proc.Process(context.Background(), []bots.RawAction{
		{Type: "LAUNCH_ROCKET"},
		action(KindCreateConversation, CreateConversation{Title: "kept"}),
	}, editorCtx)
	assert.Equal(t, Report{Succeeded: 1, Skipped: 1}, report)
}

func TestInvalidPayloadCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	report := h.proc.Process(context.Background(), []bots.RawAction{
		{Type: string(KindAssignReviewer), Data: json.RawMessage(`{"reviewerEmail":"not-an-address"}`)},
		{Type: string(KindMakeEditorialDecision), Data: json.RawMessage(`{"decision":`)},
		{Type: "update_manuscript_status", Data: json.RawMessage(`{"status":"accepted"}`)},
	}, editorCtx)

	assert.Equal(t, Report{Succeeded: 1, Failed: 2}, report)
	m, err := h.store.GetManuscript(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.ManuscriptAccepted, m.Status)
}

func TestAssignReviewerCreatesUserAndPendingAssignment(t *testing.T) {
	h := newHarness(t, "abc123", "def456")
	h.store.AddUser(models.User{ID: "u-clash", Email: "other@uni.edu", Username: "new.reviewer-abc123"})

	batch := []bots.RawAction{action(KindAssignReviewer, AssignReviewer{ReviewerEmail: "New.Reviewer@uni.edu"})}
	report := h.proc.Process(context.Background(), batch, editorCtx)
	require.Equal(t, Report{Succeeded: 1}, report)

	created, ok, err := h.store.FindUserByEmail(context.Background(), "New.Reviewer@uni.edu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new.reviewer-def456", created.Username)
	assert.Equal(t, models.RoleUser, created.Role)

	assignments := h.store.Assignments("m-1")
	require.Len(t, assignments, 1)
	assert.Equal(t, created.ID, assignments[0].ReviewerID)
	assert.Equal(t, models.ReviewPending, assignments[0].Status)
	require.NotNil(t, assignments[0].DueDate)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), *assignments[0].DueDate)

	sent := h.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reviewer-invitation", sent[0].Template)
	require.Len(t, h.bc.Calls(), 1)
	assert.Equal(t, "reviewer-assigned", h.bc.Calls()[0].Event)

	report = h.proc.Process(context.Background(), batch, editorCtx)
	assert.Equal(t, Report{Succeeded: 1}, report)
	assert.Len(t, h.store.Assignments("m-1"), 1, "redelivery must not duplicate")
	assert.Len(t, h.mailer.Sent(), 1)
}

func TestAssignReviewerHonoursExplicitDueDate(t *testing.T) {
	h := newHarness(t)
	due := fixedNow.AddDate(0, 0, 10)
	h.proc.Process(context.Background(), []bots.RawAction{
		action(KindAssignReviewer, AssignReviewer{ReviewerEmail: "rev@uni.edu", DueDate: &due}),
	}, editorCtx)

	assignments := h.store.Assignments("m-1")
	require.Len(t, assignments, 1)
	assert.Equal(t, "u-reviewer", assignments[0].ReviewerID)
	assert.Equal(t, due, *assignments[0].DueDate)
}

func TestPublicationRequiresAccepted(t *testing.T) {
	h := newHarness(t)
	report := h.proc.Process(context.Background(), []bots.RawAction{
		action(KindExecutePublicationWorkflow, ExecutePublicationWorkflow{}),
	}, editorCtx)
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Empty(t, h.assets.Published())

	report = h.proc.Process(context.Background(), []bots.RawAction{
		action(KindMakeEditorialDecision, MakeEditorialDecision{Decision: "accept"}),
		action(KindExecutePublicationWorkflow, ExecutePublicationWorkflow{}),
	}, editorCtx)
	assert.Equal(t, Report{Succeeded: 2}, report)
	assert.Equal(t, []string{"m-1"}, h.assets.Published())

	m, err := h.store.GetManuscript(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.ManuscriptPublished, m.Status)
	require.NotNil(t, m.PublishedAt)
}

func TestEditorialDecisionNotifiesAuthors(t *testing.T) {
	h := newHarness(t)
	h.proc.Process(context.Background(), []bots.RawAction{
		action(KindMakeEditorialDecision, MakeEditorialDecision{Decision: "MINOR_REVISION", Reason: "tighten section 3"}),
	}, editorCtx)

	m, _ := h.store.GetManuscript(context.Background(), "m-1")
	assert.Equal(t, models.ManuscriptRevisionRequested, m.Status)

	var decision *testsupport.Mail
	for _, s := range h.mailer.Sent() {
		if s.Template == "editorial-decision" {
			s := s
			decision = &s
		}
	}
	require.NotNil(t, decision)
	assert.Equal(t, []string{"author@uni.edu"}, decision.To)
	assert.Equal(t, "minor_revision", decision.Data["decision"])
}

func TestReviewLifecycle(t *testing.T) {
	h := newHarness(t)
	h.store.AddAssignment(models.ReviewAssignment{ID: "a-1", ManuscriptID: "m-1", ReviewerID: "u-reviewer", Status: models.ReviewPending})
	require.NoError(t, h.store.SetActionEditor(context.Background(), "m-1", "u-editor"))
	reviewerCtx := Context{ManuscriptID: "m-1", UserID: "u-reviewer", ConversationID: "c-1"}

	report := h.proc.Process(context.Background(), []bots.RawAction{
		action(KindRespondToReview, RespondToReview{AssignmentID: "a-1", Response: ResponseAccept}),
	}, editorCtx)
	assert.Equal(t, Report{Failed: 1}, report, "only the reviewer may respond")

	report = h.proc.Process(context.Background(), []bots.RawAction{
		action(KindRespondToReview, RespondToReview{AssignmentID: "a-1", Response: "accept", Message: "happy to"}),
		action(KindRespondToReview, RespondToReview{AssignmentID: "a-1", Response: ResponseAccept}),
		action(KindSubmitReview, SubmitReview{AssignmentID: "a-1", ReviewContent: "Solid work.", Recommendation: "Accept"}),
		action(KindSubmitReview, SubmitReview{AssignmentID: "a-1", ReviewContent: "Again.", Recommendation: "reject"}),
	}, reviewerCtx)
	assert.Equal(t, Report{Succeeded: 4}, report)

	a, err := h.store.GetReviewAssignment(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCompleted, a.Status)
	assert.Equal(t, "Solid work.", a.ReviewContent)
	assert.Equal(t, "accept", a.Recommendation)
	assert.Equal(t, "happy to", a.ResponseMessage)
	require.NotNil(t, a.CompletedAt)

	var editorMails int
	for _, s := range h.mailer.Sent() {
		if s.Template == "review-invitation-response" {
			editorMails++
			assert.Equal(t, []string{"editor@journal.org"}, s.To)
		}
	}
	assert.Equal(t, 1, editorMails)

	report = h.proc.Process(context.Background(), []bots.RawAction{
		action(KindRespondToReview, RespondToReview{AssignmentID: "a-1", Response: ResponseDecline}),
	}, reviewerCtx)
	assert.Equal(t, Report{Failed: 1}, report)
}

func TestAssignActionEditorRequiresEditorRole(t *testing.T) {
	h := newHarness(t)
	report := h.proc.Process(context.Background(), []bots.RawAction{
		action(KindAssignActionEditor, AssignActionEditor{EditorID: "u-author"}),
		action(KindAssignActionEditor, AssignActionEditor{EditorID: "u-editor"}),
		action(KindAssignActionEditor, AssignActionEditor{EditorID: "u-editor"}),
	}, editorCtx)
	assert.Equal(t, Report{Succeeded: 2, Failed: 1}, report)

	m, _ := h.store.GetManuscript(context.Background(), "m-1")
	require.NotNil(t, m.ActionEditorID)
	assert.Equal(t, "u-editor", *m.ActionEditorID)
	assert.Len(t, h.mailer.Sent(), 1)
}

func TestWorkflowPhaseRelease(t *testing.T) {
	h := newHarness(t)
	h.store.AddAssignment(models.ReviewAssignment{ID: "a-1", ManuscriptID: "m-1", ReviewerID: "u-reviewer", Status: models.ReviewInProgress})

	release := action(KindUpdateWorkflowPhase, UpdateWorkflowPhase{Phase: models.PhaseReleased, RequireAllReviewsComplete: true})
	report := h.proc.Process(context.Background(), []bots.RawAction{release}, editorCtx)
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Empty(t, h.store.Releases())

	h.store.AddAssignment(models.ReviewAssignment{ID: "a-1", ManuscriptID: "m-1", ReviewerID: "u-reviewer", Status: models.ReviewCompleted})
	report = h.proc.Process(context.Background(), []bots.RawAction{release}, editorCtx)
	assert.Equal(t, Report{Succeeded: 1}, report)
	require.Len(t, h.store.Releases(), 1)
	assert.Equal(t, "u-editor", h.store.Releases()[0].ReleasedBy)

	var released bool
	for _, s := range h.mailer.Sent() {
		if s.Template == "workflow-released" {
			released = true
			assert.Equal(t, []string{"author@uni.edu"}, s.To)
		}
	}
	assert.True(t, released)
}

func TestSendManualReminder(t *testing.T) {
	h := newHarness(t)
	due := fixedNow.AddDate(0, 0, 3)
	h.store.AddAssignment(models.ReviewAssignment{ID: "a-1", ManuscriptID: "m-1", ReviewerID: "u-reviewer", Status: models.ReviewAccepted, DueDate: &due})
	h.store.AddAssignment(models.ReviewAssignment{ID: "a-2", ManuscriptID: "m-1", ReviewerID: "u-author", Status: models.ReviewDeclined})

	report := h.proc.Process(context.Background(), []bots.RawAction{
		action(KindSendManualReminder, SendManualReminder{AssignmentID: "a-2"}),
		action(KindSendManualReminder, SendManualReminder{AssignmentID: "a-1", Message: "gentle nudge"}),
	}, editorCtx)
	assert.Equal(t, Report{Succeeded: 1, Failed: 1}, report)

	a, _ := h.store.GetReviewAssignment(context.Background(), "a-1")
	require.NotNil(t, a.LastReminderAt)
	assert.Equal(t, fixedNow, *a.LastReminderAt)

	sent := h.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "review-reminder", sent[0].Template)
	assert.Equal(t, []string{"rev@uni.edu"}, sent[0].To)
	assert.Equal(t, "gentle nudge", sent[0].Data["message"])
}

func TestEffectFailureDoesNotFailAction(t *testing.T) {
	h := newHarness(t)
	h.mailer.Err = fmt.Errorf("smtp relay down")
	report := h.proc.Process(context.Background(), []bots.RawAction{
		action(KindAssignReviewer, AssignReviewer{ReviewerEmail: "rev@uni.edu"}),
	}, editorCtx)
	assert.Equal(t, Report{Succeeded: 1}, report)
	assert.Len(t, h.store.Assignments("m-1"), 1)
}
