// Package manuscript validates and applies manuscript status and workflow-phase
// transitions. Writes are compare-and-swap on the manuscript version; side
// effects are returned to the caller instead of being performed inline.
package manuscript

import (
	"context"
	"strings"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Repository is the persistence surface the machine needs.
type Repository interface {
	GetManuscript(ctx context.Context, id string) (models.Manuscript, error)
	CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status models.ManuscriptStatus, publishedAt *time.Time) (models.Manuscript, error)
	ApplyPhaseTransition(ctx context.Context, id string, expectedVersion int64, phase models.WorkflowPhase, round int, releasedAt *time.Time, record models.WorkflowRelease, requireReviewsComplete bool) (models.Manuscript, error)
	ListReviewAssignments(ctx context.Context, manuscriptID string) ([]models.ReviewAssignment, error)
}

// requiredPredecessor lists statuses reachable from exactly one other status.
// Every status not listed here is reachable from anywhere.
var requiredPredecessor = map[models.ManuscriptStatus]models.ManuscriptStatus{
	models.ManuscriptPublished: models.ManuscriptAccepted,
	models.ManuscriptRetracted: models.ManuscriptPublished,
}

// ValidateStatusTransition applies the status rules without touching storage.
func ValidateStatusTransition(current, requested models.ManuscriptStatus) error {
	if !requested.Valid() {
		return errs.Validation("invalid manuscript status %q", requested)
	}
	if want, ok := requiredPredecessor[requested]; ok && current != want {
		return errs.Validation("cannot move manuscript to %s from %s: manuscript must be %s", requested, current, want)
	}
	return nil
}

// Machine applies transitions against a Repository.
type Machine struct {
	repo Repository
	now  func() time.Time
}

// NewMachine returns a machine using the wall clock.
func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock used for timestamps.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// StatusRequest asks for a status change.
type StatusRequest struct {
	ManuscriptID   string
	Status         models.ManuscriptStatus
	ActorID        string
	Reason         string
	ConversationID string
}

// StatusChange is the applied transition plus the effects it calls for.
type StatusChange struct {
	Manuscript models.Manuscript
	From       models.ManuscriptStatus
	To         models.ManuscriptStatus
	Effects    effects.List
}

// TransitionStatus validates and persists a status change. On rejection nothing is written.
func (m *Machine) TransitionStatus(ctx context.Context, req StatusRequest) (StatusChange, error) {
	requested := models.ManuscriptStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	current, err := m.repo.GetManuscript(ctx, req.ManuscriptID)
	if err != nil {
		return StatusChange{}, err
	}
	if err := ValidateStatusTransition(current.Status, requested); err != nil {
		return StatusChange{}, err
	}

	var publishedAt *time.Time
	if requested == models.ManuscriptPublished {
		ts := m.now()
		publishedAt = &ts
	}
	updated, err := m.repo.CompareAndSetStatus(ctx, current.ID, current.Version, requested, publishedAt)
	if err != nil {
		return StatusChange{}, err
	}

	change := StatusChange{Manuscript: updated, From: current.Status, To: requested}
	switch {
	case requested == models.ManuscriptPublished:
		change.Effects.Add(effects.PublishAssets{ManuscriptID: current.ID})
	case current.Status == models.ManuscriptPublished && requested == models.ManuscriptRetracted:
		change.Effects.Add(effects.UnpublishAssets{ManuscriptID: current.ID})
	}
	if req.ConversationID != "" {
		change.Effects.Add(effects.Broadcast{
			ConversationID: req.ConversationID,
			Event:          "manuscript-status-changed",
			Visibility:     models.VisibilityAuthorVisible,
			Data: map[string]any{
				"manuscriptId": current.ID,
				"from":         string(current.Status),
				"to":           string(requested),
				"reason":       req.Reason,
				"changedBy":    req.ActorID,
			},
		})
	}
	return change, nil
}

// PhaseRequest asks for a workflow-phase change.
type PhaseRequest struct {
	ManuscriptID              string
	Phase                     models.WorkflowPhase
	Round                     int
	ActorID                   string
	DecisionType              string
	Notes                     string
	RequireAllReviewsComplete bool
	ConversationID            string
}

// PhaseChange is the applied phase transition, its audit record and its effects.
type PhaseChange struct {
	Manuscript models.Manuscript
	From       models.WorkflowPhase
	To         models.WorkflowPhase
	Release    models.WorkflowRelease
	Effects    effects.List
}

// TransitionPhase validates and persists a phase change together with its release record.
func (m *Machine) TransitionPhase(ctx context.Context, req PhaseRequest) (PhaseChange, error) {
	phase := models.WorkflowPhase(strings.ToUpper(strings.TrimSpace(string(req.Phase))))
	if !phase.Valid() {
		return PhaseChange{}, errs.Validation("invalid workflow phase %q", req.Phase)
	}
	current, err := m.repo.GetManuscript(ctx, req.ManuscriptID)
	if err != nil {
		return PhaseChange{}, err
	}

	if phase == models.PhaseReleased && req.RequireAllReviewsComplete {
		assignments, err := m.repo.ListReviewAssignments(ctx, current.ID)
		if err != nil {
			return PhaseChange{}, err
		}
		if incomplete := IncompleteReviews(assignments); incomplete > 0 {
			return PhaseChange{}, errs.Validation("cannot release manuscript %s: %d review(s) not yet completed", current.ID, incomplete)
		}
	}

	round := nextRound(current, phase, req.Round)
	now := m.now()
	var releasedAt *time.Time
	if phase == models.PhaseReleased {
		releasedAt = &now
	}
	decision := req.DecisionType
	if decision == "" {
		decision = "phase_" + strings.ToLower(string(phase))
	}
	record := models.WorkflowRelease{
		ManuscriptID: current.ID,
		Round:        round,
		Phase:        phase,
		ReleasedBy:   req.ActorID,
		DecisionType: decision,
		Notes:        req.Notes,
		CreatedAt:    now,
	}

	updated, err := m.repo.ApplyPhaseTransition(ctx, current.ID, current.Version, phase, round, releasedAt, record, phase == models.PhaseReleased && req.RequireAllReviewsComplete)
	if err != nil {
		return PhaseChange{}, err
	}

	change := PhaseChange{Manuscript: updated, From: current.WorkflowPhase, To: phase, Release: record}
	data := map[string]any{"round": round, "phase": string(phase), "notes": req.Notes}
	switch phase {
	case models.PhaseReleased:
		change.Effects.Add(effects.NotifyAuthors{ManuscriptID: current.ID, Template: "workflow-released", Data: data})
	case models.PhaseDeliberation:
		change.Effects.Add(effects.NotifyReviewers{ManuscriptID: current.ID, Template: "deliberation-started", Data: data})
	}
	if req.ConversationID != "" {
		change.Effects.Add(effects.Broadcast{
			ConversationID: req.ConversationID,
			Event:          "workflow-phase-changed",
			Visibility:     models.VisibilityEditorOnly,
			Data:           map[string]any{"manuscriptId": current.ID, "from": string(current.WorkflowPhase), "to": string(phase), "round": round},
		})
	}
	return change, nil
}

// IncompleteReviews counts active assignments that are not yet COMPLETED.
func IncompleteReviews(assignments []models.ReviewAssignment) int {
	n := 0
	for _, a := range assignments {
		if a.Status.Outstanding() {
			n++
		}
	}
	return n
}

// nextRound keeps the current round unless one is given explicitly; a return to
// REVIEW after the authors responded opens a new round.
func nextRound(current models.Manuscript, phase models.WorkflowPhase, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	round := current.WorkflowRound
	if round < 1 {
		round = 1
	}
	if current.WorkflowPhase == models.PhaseAuthorResponding && phase == models.PhaseReview {
		round++
	}
	return round
}
