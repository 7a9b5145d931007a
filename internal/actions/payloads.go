package actions

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Payload is implemented by every kind-specific action payload.
type Payload interface {
	Validate() error
}

// Decode unmarshals raw into P and validates it. An absent body decodes to the zero value.
func Decode[P Payload](raw json.RawMessage) (P, error) {
	var p P
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return p, errs.Validation("decode action data: %v", err)
		}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

type AssignReviewer struct {
	ReviewerEmail string     `json:"reviewerEmail"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Message       string     `json:"message,omitempty"`
}

func (p AssignReviewer) Validate() error {
	if _, err := mail.ParseAddress(p.ReviewerEmail); err != nil {
		return errs.Validation("reviewerEmail %q is not a valid address", p.ReviewerEmail)
	}
	return nil
}

type UpdateManuscriptStatus struct {
	Status models.ManuscriptStatus `json:"status"`
	Reason string                  `json:"reason,omitempty"`
}

func (p UpdateManuscriptStatus) Validate() error {
	if strings.TrimSpace(string(p.Status)) == "" {
		return errs.Validation("status is required")
	}
	return nil
}

type CreateConversation struct {
	Title          string            `json:"title"`
	Type           string            `json:"type,omitempty"`
	Privacy        models.Visibility `json:"privacy,omitempty"`
	ParticipantIDs []string          `json:"participantIds,omitempty"`
}

func (p CreateConversation) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errs.Validation("title is required")
	}
	if p.Privacy != "" && !p.Privacy.Valid() {
		return errs.Validation("invalid privacy %q", p.Privacy)
	}
	return nil
}

// ReviewResponse is a reviewer's answer to an invitation.
type ReviewResponse string

const (
	ResponseAccept  ReviewResponse = "ACCEPT"
	ResponseDecline ReviewResponse = "DECLINE"
)

type RespondToReview struct {
	AssignmentID string         `json:"assignmentId"`
	Response     ReviewResponse `json:"response"`
	Message      string         `json:"message,omitempty"`
}

func (p RespondToReview) Validate() error {
	if strings.TrimSpace(p.AssignmentID) == "" {
		return errs.Validation("assignmentId is required")
	}
	switch ReviewResponse(strings.ToUpper(string(p.Response))) {
	case ResponseAccept, ResponseDecline:
		return nil
	}
	return errs.Validation("response must be ACCEPT or DECLINE, got %q", p.Response)
}

var recommendations = map[string]bool{
	"accept":         true,
	"minor_revision": true,
	"major_revision": true,
	"reject":         true,
}

type SubmitReview struct {
	AssignmentID         string `json:"assignmentId"`
	ReviewContent        string `json:"reviewContent"`
	Recommendation       string `json:"recommendation"`
	ConfidentialComments string `json:"confidentialComments,omitempty"`
	Score                *int   `json:"score,omitempty"`
}

func (p SubmitReview) Validate() error {
	switch {
	case strings.TrimSpace(p.AssignmentID) == "":
		return errs.Validation("assignmentId is required")
	case strings.TrimSpace(p.ReviewContent) == "":
		return errs.Validation("reviewContent is required")
	case !recommendations[strings.ToLower(p.Recommendation)]:
		return errs.Validation("unknown recommendation %q", p.Recommendation)
	case p.Score != nil && (*p.Score < 1 || *p.Score > 10):
		return errs.Validation("score must be between 1 and 10")
	}
	return nil
}

// decisionStatus maps an editorial decision to the status it produces.
var decisionStatus = map[string]models.ManuscriptStatus{
	"accept":         models.ManuscriptAccepted,
	"reject":         models.ManuscriptRejected,
	"minor_revision": models.ManuscriptRevisionRequested,
	"major_revision": models.ManuscriptRevisionRequested,
}

type MakeEditorialDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (p MakeEditorialDecision) Validate() error {
	if _, ok := decisionStatus[strings.ToLower(p.Decision)]; !ok {
		return errs.Validation("unknown decision %q", p.Decision)
	}
	return nil
}

type AssignActionEditor struct {
	EditorID string `json:"editorId"`
}

func (p AssignActionEditor) Validate() error {
	if strings.TrimSpace(p.EditorID) == "" {
		return errs.Validation("editorId is required")
	}
	return nil
}

type ExecutePublicationWorkflow struct {
	Reason string `json:"reason,omitempty"`
}

func (ExecutePublicationWorkflow) Validate() error { return nil }

type UpdateWorkflowPhase struct {
	Phase                     models.WorkflowPhase `json:"phase"`
	Round                     int                  `json:"round,omitempty"`
	DecisionType              string               `json:"decisionType,omitempty"`
	Notes                     string               `json:"notes,omitempty"`
	RequireAllReviewsComplete bool                 `json:"requireAllReviewsComplete,omitempty"`
}

func (p UpdateWorkflowPhase) Validate() error {
	if strings.TrimSpace(string(p.Phase)) == "" {
		return errs.Validation("phase is required")
	}
	if p.Round < 0 {
		return errs.Validation("round must not be negative")
	}
	return nil
}

type SendManualReminder struct {
	AssignmentID string `json:"assignmentId"`
	Message      string `json:"message,omitempty"`
}

func (p SendManualReminder) Validate() error {
	if strings.TrimSpace(p.AssignmentID) == "" {
		return errs.Validation("assignmentId is required")
	}
	return nil
}
