// Package bots defines the plugin contract bots implement, the registry that
// resolves installed bots to commands and event handlers, and the remote
// adapter for bots served over HTTP.
package bots

import (
	"context"
	"encoding/json"

	"github.com/colloquium-journals/colloquium-sub006/internal/credentials"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// TriggerKind says what caused an invocation.
type TriggerKind string

const (
	TriggerMention  TriggerKind = "mention"
	TriggerEvent    TriggerKind = "event"
	TriggerPipeline TriggerKind = "pipeline"
)

// TriggeredBy identifies the origin of an invocation.
type TriggeredBy struct {
	MessageID string      `json:"messageId,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	UserRole  models.Role `json:"userRole,omitempty"`
	Kind      TriggerKind `json:"trigger"`
}

// ConversationSnapshot is the conversation summary exposed to bots.
type ConversationSnapshot struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// InvocationContext is built fresh for every invocation and never persisted.
// Snapshot fields are nil when their prefetch failed or was not permitted.
type InvocationContext struct {
	ManuscriptID    string                  `json:"manuscriptId"`
	ConversationID  string                  `json:"conversationId,omitempty"`
	TriggeredBy     TriggeredBy             `json:"triggeredBy"`
	JournalSettings map[string]any          `json:"journalSettings,omitempty"`
	BotConfig       map[string]any          `json:"config,omitempty"`
	Credential      credentials.Credential  `json:"serviceToken"`
	Manuscript      *models.Manuscript      `json:"manuscript,omitempty"`
	Files           []models.ManuscriptFile `json:"files,omitempty"`
	Conversation    *ConversationSnapshot   `json:"conversation,omitempty"`
}

// Message is a bot-authored conversation post.
type Message struct {
	Content    string            `json:"content"`
	ReplyTo    string            `json:"replyTo,omitempty"`
	Visibility models.Visibility `json:"visibility,omitempty"`
}

// RawAction is an action as emitted by a bot, before kind-specific decoding.
type RawAction struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is what one invocation produces.
type Response struct {
	Messages []Message   `json:"messages,omitempty"`
	Actions  []RawAction `json:"actions,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
}

// CommandFunc executes a command with validated parameters.
type CommandFunc func(ctx context.Context, params map[string]any, ic *InvocationContext) (*Response, error)

// EventFunc handles a lifecycle event.
type EventFunc func(ctx context.Context, ic *InvocationContext, payload map[string]any) (*Response, error)

// Command is one explicitly invocable bot operation.
type Command struct {
	Name        string
	Description string
	Parameters  []Parameter
	Permissions []string
	Execute     CommandFunc
}

// EventHandler reacts to a named lifecycle event.
type EventHandler struct {
	Permissions []string
	Handle      EventFunc
}

// Plugin is a bot implementation.
type Plugin struct {
	ID       string
	Name     string
	Commands []Command
	Events   map[string]EventHandler
}

// Command looks up a command by name.
func (p *Plugin) Command(name string) (Command, bool) {
	for _, c := range p.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}
