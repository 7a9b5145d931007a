package models

import (
	"time"
)

// ManuscriptStatus is the primary lifecycle axis of a manuscript.
type ManuscriptStatus string

const (
	ManuscriptSubmitted         ManuscriptStatus = "SUBMITTED"
	ManuscriptUnderReview       ManuscriptStatus = "UNDER_REVIEW"
	ManuscriptRevisionRequested ManuscriptStatus = "REVISION_REQUESTED"
	ManuscriptRevised           ManuscriptStatus = "REVISED"
	ManuscriptAccepted          ManuscriptStatus = "ACCEPTED"
	ManuscriptRejected          ManuscriptStatus = "REJECTED"
	ManuscriptPublished         ManuscriptStatus = "PUBLISHED"
	ManuscriptRetracted         ManuscriptStatus = "RETRACTED"
)

// ManuscriptStatuses lists every declared status.
func ManuscriptStatuses() []ManuscriptStatus {
	return []ManuscriptStatus{
		ManuscriptSubmitted,
		ManuscriptUnderReview,
		ManuscriptRevisionRequested,
		ManuscriptRevised,
		ManuscriptAccepted,
		ManuscriptRejected,
		ManuscriptPublished,
		ManuscriptRetracted,
	}
}

// Valid reports whether s is a declared status.
func (s ManuscriptStatus) Valid() bool {
	for _, v := range ManuscriptStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// WorkflowPhase tracks progress within one review round, orthogonal to status.
type WorkflowPhase string

const (
	PhaseReview           WorkflowPhase = "REVIEW"
	PhaseDeliberation     WorkflowPhase = "DELIBERATION"
	PhaseReleased         WorkflowPhase = "RELEASED"
	PhaseAuthorResponding WorkflowPhase = "AUTHOR_RESPONDING"
)

// WorkflowPhases lists every declared phase.
func WorkflowPhases() []WorkflowPhase {
	return []WorkflowPhase{PhaseReview, PhaseDeliberation, PhaseReleased, PhaseAuthorResponding}
}

// Valid reports whether p is a declared phase.
func (p WorkflowPhase) Valid() bool {
	for _, v := range WorkflowPhases() {
		if v == p {
			return true
		}
	}
	return false
}

// Manuscript is the subset of manuscript state this engine reads and writes.
// Version is bumped on every status or phase write and used as a compare-and-swap token.
type Manuscript struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Abstract       string           `json:"abstract,omitempty"`
	Status         ManuscriptStatus `json:"status"`
	WorkflowPhase  WorkflowPhase    `json:"workflowPhase"`
	WorkflowRound  int              `json:"workflowRound"`
	ActionEditorID *string          `json:"actionEditorId,omitempty"`
	ReleasedAt     *time.Time       `json:"releasedAt,omitempty"`
	PublishedAt    *time.Time       `json:"publishedAt,omitempty"`
	Version        int64            `json:"version"`
	SubmittedAt    time.Time        `json:"submittedAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ManuscriptFile is one stored file attached to a manuscript.
type ManuscriptFile struct {
	ID           string    `json:"id"`
	ManuscriptID string    `json:"manuscriptId"`
	Filename     string    `json:"filename"`
	FileType     string    `json:"fileType"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	StorageKey   string    `json:"storageKey"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// ReviewStatus is the lifecycle of a review assignment.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "PENDING"
	ReviewAccepted   ReviewStatus = "ACCEPTED"
	ReviewInProgress ReviewStatus = "IN_PROGRESS"
	ReviewDeclined   ReviewStatus = "DECLINED"
	ReviewCompleted  ReviewStatus = "COMPLETED"
)

// Active reports whether the assignment counts toward release readiness.
func (s ReviewStatus) Active() bool {
	return s == ReviewAccepted || s == ReviewInProgress || s == ReviewCompleted
}

// Outstanding reports an active assignment whose review has not been submitted.
func (s ReviewStatus) Outstanding() bool {
	return s == ReviewAccepted || s == ReviewInProgress
}

// ReviewAssignment links a reviewer to a manuscript.
type ReviewAssignment struct {
	ID                   string       `json:"id"`
	ManuscriptID         string       `json:"manuscriptId"`
	ReviewerID           string       `json:"reviewerId"`
	Status               ReviewStatus `json:"status"`
	DueDate              *time.Time   `json:"dueDate,omitempty"`
	AssignedAt           time.Time    `json:"assignedAt"`
	CompletedAt          *time.Time   `json:"completedAt,omitempty"`
	ReviewContent        string       `json:"reviewContent,omitempty"`
	Recommendation       string       `json:"recommendation,omitempty"`
	ConfidentialComments string       `json:"confidentialComments,omitempty"`
	Score                *int         `json:"score,omitempty"`
	ResponseMessage      string       `json:"responseMessage,omitempty"`
	LastReminderAt       *time.Time   `json:"lastReminderAt,omitempty"`
}

// WorkflowRelease is the immutable audit row appended on every phase transition.
type WorkflowRelease struct {
	ID           string        `json:"id"`
	ManuscriptID string        `json:"manuscriptId"`
	Round        int           `json:"round"`
	Phase        WorkflowPhase `json:"phase"`
	ReleasedBy   string        `json:"releasedBy"`
	DecisionType string        `json:"decisionType,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Role is a platform-wide user role.
type Role string

const (
	RoleAdmin         Role = "ADMIN"
	RoleEditorInChief Role = "EDITOR_IN_CHIEF"
	RoleActionEditor  Role = "ACTION_EDITOR"
	RoleUser          Role = "USER"
	RoleBot           Role = "BOT"
)

// IsEditor reports whether the role may edit manuscripts.
func (r Role) IsEditor() bool {
	return r == RoleAdmin || r == RoleEditorInChief || r == RoleActionEditor
}

// User is a platform account, including the service accounts bots post as.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Name      string    `json:"name,omitempty"`
	Role      Role      `json:"role"`
	IsBot     bool      `json:"isBot"`
	CreatedAt time.Time `json:"createdAt"`
}

// Visibility is the privacy tier of a conversation message.
type Visibility string

const (
	VisibilityPublic        Visibility = "PUBLIC"
	VisibilityAuthorVisible Visibility = "AUTHOR_VISIBLE"
	VisibilityReviewerOnly  Visibility = "REVIEWER_ONLY"
	VisibilityEditorOnly    Visibility = "EDITOR_ONLY"
	VisibilityAdminOnly     Visibility = "ADMIN_ONLY"
)

// Valid reports whether v is a declared tier.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityAuthorVisible, VisibilityReviewerOnly, VisibilityEditorOnly, VisibilityAdminOnly:
		return true
	}
	return false
}

// Conversation is a discussion thread attached to a manuscript.
type Conversation struct {
	ID           string     `json:"id"`
	ManuscriptID string     `json:"manuscriptId"`
	Title        string     `json:"title"`
	Type         string     `json:"type"`
	Privacy      Visibility `json:"privacy"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Message is one post in a conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	AuthorID       string     `json:"authorId"`
	Content        string     `json:"content"`
	Privacy        Visibility `json:"privacy"`
	ParentID       *string    `json:"parentId,omitempty"`
	IsBot          bool       `json:"isBot"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// BotInstall records that a bot is installed on the journal and which user it posts as.
type BotInstall struct {
	BotID     string         `json:"botId"`
	Enabled   bool           `json:"enabled"`
	UserID    string         `json:"userId,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
