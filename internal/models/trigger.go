package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/pipeline"
)

// MessageTrigger is enqueued when a conversation message is created.
type MessageTrigger struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ManuscriptID   string `json:"manuscriptId,omitempty"`
}

// Validate checks required fields.
func (t MessageTrigger) Validate() error {
	switch {
	case strings.TrimSpace(t.MessageID) == "":
		return errs.Validation("messageId is required")
	case strings.TrimSpace(t.ConversationID) == "":
		return errs.Validation("conversationId is required")
	case strings.TrimSpace(t.UserID) == "":
		return errs.Validation("userId is required")
	}
	return nil
}

// EventTrigger is enqueued when a manuscript lifecycle event should reach one bot.
type EventTrigger struct {
	EventName    string         `json:"eventName"`
	BotID        string         `json:"botId"`
	ManuscriptID string         `json:"manuscriptId"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Validate checks required fields.
func (t EventTrigger) Validate() error {
	switch {
	case strings.TrimSpace(t.EventName) == "":
		return errs.Validation("eventName is required")
	case strings.TrimSpace(t.BotID) == "":
		return errs.Validation("botId is required")
	case strings.TrimSpace(t.ManuscriptID) == "":
		return errs.Validation("manuscriptId is required")
	}
	return nil
}

// PipelineStep runs the step under the embedded cursor and, on success, enqueues the next one.
type PipelineStep struct {
	ManuscriptID string `json:"manuscriptId"`
	pipeline.Cursor
}

// Validate checks required fields and the cursor.
func (t PipelineStep) Validate() error {
	if strings.TrimSpace(t.ManuscriptID) == "" {
		return errs.Validation("manuscriptId is required")
	}
	return t.Cursor.Validate()
}

// ToPayload flattens a trigger into the generic job payload map.
func ToPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// DecodePayload converts a job payload into dst and runs its validation.
func DecodePayload(job Job, dst interface{ Validate() error }) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Validation("decode %s payload: %v", job.Type, err)
	}
	return dst.Validate()
}
