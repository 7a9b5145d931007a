// Package effects models the side effects a state change asks for and drains
// them independently of the write that produced them.
package effects

import (
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Effect is a sealed union of side-effect requests.
type Effect interface {
	// Name returns a stable label for logs and metrics.
	Name() string
	isEffect()
}

func (PublishAssets) isEffect()   {}
func (UnpublishAssets) isEffect() {}
func (Broadcast) isEffect()       {}
func (Email) isEffect()           {}
func (NotifyAuthors) isEffect()   {}
func (NotifyReviewers) isEffect() {}

// PublishAssets asks the asset manager to publish a manuscript's files.
type PublishAssets struct {
	ManuscriptID string
}

func (PublishAssets) Name() string { return "publish_assets" }

// UnpublishAssets asks the asset manager to withdraw published files.
type UnpublishAssets struct {
	ManuscriptID string
}

func (UnpublishAssets) Name() string { return "unpublish_assets" }

// Broadcast pushes a realtime event to a conversation.
type Broadcast struct {
	ConversationID string
	Event          string
	Visibility     models.Visibility
	Data           map[string]any
}

func (Broadcast) Name() string { return "broadcast" }

// Email sends one templated mail to explicit recipients.
type Email struct {
	To       []string
	Template string
	Data     map[string]any
}

func (Email) Name() string { return "email" }

// NotifyAuthors mails every author of a manuscript.
type NotifyAuthors struct {
	ManuscriptID string
	Template     string
	Data         map[string]any
}

func (NotifyAuthors) Name() string { return "notify_authors" }

// NotifyReviewers mails every reviewer with an active assignment on a manuscript.
type NotifyReviewers struct {
	ManuscriptID string
	Template     string
	Data         map[string]any
}

func (NotifyReviewers) Name() string { return "notify_reviewers" }

// List accumulates effects; the zero value is ready to use.
type List []Effect

// Add appends e when it is non-nil.
func (l *List) Add(e ...Effect) {
	for _, eff := range e {
		if eff != nil {
			*l = append(*l, eff)
		}
	}
}
