// Package actions executes the structured actions bots emit. Every kind has
// exactly one handler, resolved through a static map, and one action's failure
// never affects the rest of its batch.
package actions

import "strings"

// Kind names a bot action.
type Kind string

const (
	KindAssignReviewer             Kind = "ASSIGN_REVIEWER"
	KindUpdateManuscriptStatus     Kind = "UPDATE_MANUSCRIPT_STATUS"
	KindCreateConversation         Kind = "CREATE_CONVERSATION"
	KindRespondToReview            Kind = "RESPOND_TO_REVIEW"
	KindSubmitReview               Kind = "SUBMIT_REVIEW"
	KindMakeEditorialDecision      Kind = "MAKE_EDITORIAL_DECISION"
	KindAssignActionEditor         Kind = "ASSIGN_ACTION_EDITOR"
	KindExecutePublicationWorkflow Kind = "EXECUTE_PUBLICATION_WORKFLOW"
	KindUpdateWorkflowPhase        Kind = "UPDATE_WORKFLOW_PHASE"
	KindSendManualReminder         Kind = "SEND_MANUAL_REMINDER"
)

// AllKinds lists every declared kind.
func AllKinds() []Kind {
	return []Kind{
		KindAssignReviewer,
		KindUpdateManuscriptStatus,
		KindCreateConversation,
		KindRespondToReview,
		KindSubmitReview,
		KindMakeEditorialDecision,
		KindAssignActionEditor,
		KindExecutePublicationWorkflow,
		KindUpdateWorkflowPhase,
		KindSendManualReminder,
	}
}

// ParseKind normalizes the type string a bot emitted.
func ParseKind(s string) Kind {
	return Kind(strings.ToUpper(strings.TrimSpace(s)))
}

// Context is fixed for every action of one invocation.
type Context struct {
	ManuscriptID   string
	UserID         string
	ConversationID string
}
