// Package notify publishes realtime conversation events and mail requests on NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect settings suited to a long-running worker.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Envelope is the JSON body of a conversation event.
type Envelope struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Event          string            `json:"event"`
	Visibility     models.Visibility `json:"visibility,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	SentAt         time.Time         `json:"sentAt"`
}

// MailRequest is the JSON body handed to the mail service, which renders the template.
type MailRequest struct {
	ID       string         `json:"id"`
	To       []string       `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
	SentAt   time.Time      `json:"sentAt"`
}

// Broadcaster publishes conversation events on <prefix>.conversations.<id>.<event>.
type Broadcaster struct {
	pub    Publisher
	prefix string
}

// NewBroadcaster builds a broadcaster.
func NewBroadcaster(pub Publisher, prefix string) *Broadcaster {
	return &Broadcaster{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Notify publishes one event envelope.
func (b *Broadcaster) Notify(ctx context.Context, conversationID, event string, visibility models.Visibility, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	raw, err := json.Marshal(Envelope{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Event:          event,
		Visibility:     visibility,
		Data:           data,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := ConversationSubject(b.prefix, conversationID, event)
	if err := b.pub.Publish(subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Mailer publishes mail requests on <prefix>.mail.send.
type Mailer struct {
	pub     Publisher
	subject string
}

// NewMailer builds a mailer.
func NewMailer(pub Publisher, prefix string) *Mailer {
	return &Mailer{pub: pub, subject: strings.TrimSuffix(prefix, ".") + ".mail.send"}
}

// Send publishes one mail request.
func (m *Mailer) Send(ctx context.Context, to []string, template string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	raw, err := json.Marshal(MailRequest{
		ID:       uuid.NewString(),
		To:       to,
		Template: template,
		Data:     data,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal mail request: %w", err)
	}
	if err := m.pub.Publish(m.subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", m.subject, err)
	}
	return nil
}

// ConversationSubject builds the subject for a conversation event. NATS tokens
// cannot contain dots or wildcards, so those are replaced.
func ConversationSubject(prefix, conversationID, event string) string {
	return fmt.Sprintf("%s.conversations.%s.%s", prefix, token(conversationID), token(event))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func token(s string) string {
	return tokenReplacer.Replace(s)
}
