package actions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/manuscript"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Store is the persistence surface the handlers write through.
type Store interface {
	manuscript.Repository
	SetActionEditor(ctx context.Context, manuscriptID, editorID string) error
	GetReviewAssignment(ctx context.Context, id string) (models.ReviewAssignment, error)
	CreateReviewAssignment(ctx context.Context, a models.ReviewAssignment) (models.ReviewAssignment, bool, error)
	UpdateReviewAssignment(ctx context.Context, a models.ReviewAssignment) error
	GetUser(ctx context.Context, id string) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, bool, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	FindConversationByTitle(ctx context.Context, manuscriptID, title string) (models.Conversation, bool, error)
	CreateConversation(ctx context.Context, c models.Conversation, participantIDs []string) (models.Conversation, error)
}

const usernameAttempts = 8

var usernameUnsafe = regexp.MustCompile(`[^a-z0-9._-]+`)

type handlers struct {
	store      Store
	machine    *manuscript.Machine
	logger     *slog.Logger
	now        func() time.Time
	reviewDays int
	suffix     func() string
}

func randomSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b[:])
}

func (h *handlers) assignReviewer(ctx context.Context, p AssignReviewer, ac Context) (effects.List, error) {
	if _, err := h.store.GetManuscript(ctx, ac.ManuscriptID); err != nil {
		return nil, err
	}
	reviewer, err := h.findOrCreateReviewer(ctx, p.ReviewerEmail)
	if err != nil {
		return nil, err
	}

	now := h.now()
	due := now.AddDate(0, 0, h.reviewDays)
	if p.DueDate != nil {
		due = p.DueDate.UTC()
	}
	assignment, created, err := h.store.CreateReviewAssignment(ctx, models.ReviewAssignment{
		ManuscriptID: ac.ManuscriptID,
		ReviewerID:   reviewer.ID,
		Status:       models.ReviewPending,
		DueDate:      &due,
		AssignedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("create review assignment: %w", err)
	}
	if !created {
		h.logger.Info("reviewer already assigned", "assignment_id", assignment.ID, "reviewer_id", reviewer.ID)
		return nil, nil
	}

	var out effects.List
	out.Add(effects.Email{
		To:       []string{reviewer.Email},
		Template: "reviewer-invitation",
		Data: map[string]any{
			"manuscriptId": ac.ManuscriptID,
			"assignmentId": assignment.ID,
			"dueDate":      due.Format(time.RFC3339),
			"message":      p.Message,
		},
	})
	if ac.ConversationID != "" {
		out.Add(effects.Broadcast{
			ConversationID: ac.ConversationID,
			Event:          "reviewer-assigned",
			Visibility:     models.VisibilityEditorOnly,
			Data:           map[string]any{"assignmentId": assignment.ID, "reviewerId": reviewer.ID},
		})
	}
	return out, nil
}

func (h *handlers) findOrCreateReviewer(ctx context.Context, email string) (models.User, error) {
	email = strings.TrimSpace(email)
	if u, ok, err := h.store.FindUserByEmail(ctx, email); err != nil {
		return models.User{}, fmt.Errorf("find reviewer: %w", err)
	} else if ok {
		return u, nil
	}
	username, err := h.uniqueUsername(ctx, email)
	if err != nil {
		return models.User{}, err
	}
	u, err := h.store.CreateUser(ctx, models.User{
		Email:    email,
		Username: username,
		Name:     localPart(email),
		Role:     models.RoleUser,
	})
	if err != nil {
		return models.User{}, fmt.Errorf("create reviewer: %w", err)
	}
	h.logger.Info("created reviewer account", "user_id", u.ID, "username", u.Username)
	return u, nil
}

func (h *handlers) uniqueUsername(ctx context.Context, email string) (string, error) {
	base := usernameUnsafe.ReplaceAllString(strings.ToLower(localPart(email)), "")
	if base == "" {
		base = "reviewer"
	}
	for i := 0; i < usernameAttempts; i++ {
		candidate := base + "-" + h.suffix()
		taken, err := h.store.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free username for %s after %d attempts", base, usernameAttempts)
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func (h *handlers) updateStatus(ctx context.Context, p UpdateManuscriptStatus, ac Context) (effects.List, error) {
	change, err := h.machine.TransitionStatus(ctx, manuscript.StatusRequest{
		ManuscriptID:   ac.ManuscriptID,
		Status:         p.Status,
		ActorID:        ac.UserID,
		Reason:         p.Reason,
		ConversationID: ac.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	return change.Effects, nil
}

func (h *handlers) createConversation(ctx context.Context, p CreateConversation, ac Context) (effects.List, error) {
	title := strings.TrimSpace(p.Title)
	if _, ok, err := h.store.FindConversationByTitle(ctx, ac.ManuscriptID, title); err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	} else if ok {
		return nil, nil
	}
	kind := p.Type
	if kind == "" {
		kind = "EDITORIAL"
	}
	privacy := p.Privacy
	if privacy == "" {
		privacy = models.VisibilityAuthorVisible
	}
	participants := p.ParticipantIDs
	if ac.UserID != "" && !contains(participants, ac.UserID) {
		participants = append(append([]string(nil), participants...), ac.UserID)
	}
	conv, err := h.store.CreateConversation(ctx, models.Conversation{
		ManuscriptID: ac.ManuscriptID,
		Title:        title,
		Type:         strings.ToUpper(kind),
		Privacy:      privacy,
		CreatedAt:    h.now(),
	}, participants)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var out effects.List
	if ac.ConversationID != "" {
		out.Add(effects.Broadcast{
			ConversationID: ac.ConversationID,
			Event:          "conversation-created",
			Visibility:     privacy,
			Data:           map[string]any{"conversationId": conv.ID, "title": conv.Title},
		})
	}
	return out, nil
}

// reviewerAssignment loads an assignment on the context's manuscript that belongs to the actor.
func (h *handlers) reviewerAssignment(ctx context.Context, id string, ac Context) (models.ReviewAssignment, error) {
	a, err := h.store.GetReviewAssignment(ctx, id)
	if err != nil {
		return models.ReviewAssignment{}, err
	}
	if a.ManuscriptID != ac.ManuscriptID {
		return models.ReviewAssignment{}, errs.Validation("assignment %s does not belong to manuscript %s", id, ac.ManuscriptID)
	}
	if a.ReviewerID != ac.UserID {
		return models.ReviewAssignment{}, errs.Validation("user %s is not the reviewer on assignment %s", ac.UserID, id)
	}
	return a, nil
}

func (h *handlers) respondToReview(ctx context.Context, p RespondToReview, ac Context) (effects.List, error) {
	a, err := h.reviewerAssignment(ctx, p.AssignmentID, ac)
	if err != nil {
		return nil, err
	}
	target := models.ReviewDeclined
	if ReviewResponse(strings.ToUpper(string(p.Response))) == ResponseAccept {
		target = models.ReviewAccepted
	}
	if a.Status == target {
		return nil, nil
	}
	if a.Status != models.ReviewPending {
		return nil, errs.Validation("assignment %s is %s, only PENDING invitations can be answered", a.ID, a.Status)
	}
	a.Status = target
	a.ResponseMessage = p.Message
	if err := h.store.UpdateReviewAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("update review assignment: %w", err)
	}

	var out effects.List
	out.Add(h.editorMail(ctx, ac.ManuscriptID, "review-invitation-response", map[string]any{
		"assignmentId": a.ID,
		"reviewerId":   a.ReviewerID,
		"response":     string(target),
		"message":      p.Message,
	}))
	return out, nil
}

func (h *handlers) submitReview(ctx context.Context, p SubmitReview, ac Context) (effects.List, error) {
	a, err := h.reviewerAssignment(ctx, p.AssignmentID, ac)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.ReviewCompleted:
		return nil, nil
	case models.ReviewAccepted, models.ReviewInProgress:
	default:
		return nil, errs.Validation("assignment %s is %s, a review can only be submitted once accepted", a.ID, a.Status)
	}
	completed := h.now()
	a.Status = models.ReviewCompleted
	a.CompletedAt = &completed
	a.ReviewContent = p.ReviewContent
	a.Recommendation = strings.ToLower(p.Recommendation)
	a.ConfidentialComments = p.ConfidentialComments
	a.Score = p.Score
	if err := h.store.UpdateReviewAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("update review assignment: %w", err)
	}

	var out effects.List
	if ac.ConversationID != "" {
		out.Add(effects.Broadcast{
			ConversationID: ac.ConversationID,
			Event:          "review-submitted",
			Visibility:     models.VisibilityEditorOnly,
			Data:           map[string]any{"assignmentId": a.ID, "recommendation": a.Recommendation},
		})
	}
	return out, nil
}

func (h *handlers) editorialDecision(ctx context.Context, p MakeEditorialDecision, ac Context) (effects.List, error) {
	decision := strings.ToLower(p.Decision)
	change, err := h.machine.TransitionStatus(ctx, manuscript.StatusRequest{
		ManuscriptID:   ac.ManuscriptID,
		Status:         decisionStatus[decision],
		ActorID:        ac.UserID,
		Reason:         p.Reason,
		ConversationID: ac.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	out := change.Effects
	out.Add(effects.NotifyAuthors{
		ManuscriptID: ac.ManuscriptID,
		Template:     "editorial-decision",
		Data:         map[string]any{"decision": decision, "reason": p.Reason, "status": string(change.To)},
	})
	return out, nil
}

func (h *handlers) assignActionEditor(ctx context.Context, p AssignActionEditor, ac Context) (effects.List, error) {
	editor, err := h.store.GetUser(ctx, p.EditorID)
	if err != nil {
		return nil, err
	}
	if !editor.Role.IsEditor() {
		return nil, errs.Validation("user %s has role %s and cannot act as editor", editor.ID, editor.Role)
	}
	current, err := h.store.GetManuscript(ctx, ac.ManuscriptID)
	if err != nil {
		return nil, err
	}
	if current.ActionEditorID != nil && *current.ActionEditorID == editor.ID {
		return nil, nil
	}
	if err := h.store.SetActionEditor(ctx, ac.ManuscriptID, editor.ID); err != nil {
		return nil, fmt.Errorf("set action editor: %w", err)
	}

	var out effects.List
	out.Add(effects.Email{
		To:       []string{editor.Email},
		Template: "action-editor-assigned",
		Data:     map[string]any{"manuscriptId": ac.ManuscriptID, "title": current.Title},
	})
	if ac.ConversationID != "" {
		out.Add(effects.Broadcast{
			ConversationID: ac.ConversationID,
			Event:          "action-editor-assigned",
			Visibility:     models.VisibilityEditorOnly,
			Data:           map[string]any{"editorId": editor.ID},
		})
	}
	return out, nil
}

func (h *handlers) executePublication(ctx context.Context, p ExecutePublicationWorkflow, ac Context) (effects.List, error) {
	change, err := h.machine.TransitionStatus(ctx, manuscript.StatusRequest{
		ManuscriptID:   ac.ManuscriptID,
		Status:         models.ManuscriptPublished,
		ActorID:        ac.UserID,
		Reason:         p.Reason,
		ConversationID: ac.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	out := change.Effects
	out.Add(effects.NotifyAuthors{
		ManuscriptID: ac.ManuscriptID,
		Template:     "manuscript-published",
		Data:         map[string]any{"title": change.Manuscript.Title},
	})
	return out, nil
}

func (h *handlers) updatePhase(ctx context.Context, p UpdateWorkflowPhase, ac Context) (effects.List, error) {
	change, err := h.machine.TransitionPhase(ctx, manuscript.PhaseRequest{
		ManuscriptID:              ac.ManuscriptID,
		Phase:                     p.Phase,
		Round:                     p.Round,
		ActorID:                   ac.UserID,
		DecisionType:              p.DecisionType,
		Notes:                     p.Notes,
		RequireAllReviewsComplete: p.RequireAllReviewsComplete,
		ConversationID:            ac.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	return change.Effects, nil
}

func (h *handlers) sendReminder(ctx context.Context, p SendManualReminder, ac Context) (effects.List, error) {
	a, err := h.store.GetReviewAssignment(ctx, p.AssignmentID)
	if err != nil {
		return nil, err
	}
	if a.ManuscriptID != ac.ManuscriptID {
		return nil, errs.Validation("assignment %s does not belong to manuscript %s", a.ID, ac.ManuscriptID)
	}
	switch a.Status {
	case models.ReviewPending, models.ReviewAccepted, models.ReviewInProgress:
	default:
		return nil, errs.Validation("assignment %s is %s, reminders only go to open reviews", a.ID, a.Status)
	}
	reviewer, err := h.store.GetUser(ctx, a.ReviewerID)
	if err != nil {
		return nil, err
	}
	stamped := h.now()
	a.LastReminderAt = &stamped
	if err := h.store.UpdateReviewAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("update review assignment: %w", err)
	}

	data := map[string]any{"manuscriptId": ac.ManuscriptID, "assignmentId": a.ID, "message": p.Message}
	if a.DueDate != nil {
		data["dueDate"] = a.DueDate.Format(time.RFC3339)
	}
	var out effects.List
	out.Add(effects.Email{To: []string{reviewer.Email}, Template: "review-reminder", Data: data})
	return out, nil
}

// editorMail addresses the manuscript's action editor. It returns nil when there is
// no editor to reach; the lookup runs after the primary write and never fails the action.
func (h *handlers) editorMail(ctx context.Context, manuscriptID, template string, data map[string]any) effects.Effect {
	m, err := h.store.GetManuscript(ctx, manuscriptID)
	if err != nil || m.ActionEditorID == nil {
		return nil
	}
	editor, err := h.store.GetUser(ctx, *m.ActionEditorID)
	if err != nil {
		h.logger.Warn("action editor lookup failed", "editor_id", *m.ActionEditorID, "error", err)
		return nil
	}
	return effects.Email{To: []string{editor.Email}, Template: template, Data: data}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
