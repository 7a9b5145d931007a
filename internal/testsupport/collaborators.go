package testsupport

import (
	"context"
	"sync"

	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// BroadcastCall records one Broadcaster.Notify call.
type BroadcastCall struct {
	ConversationID string
	Event          string
	Visibility     models.Visibility
	Data           map[string]any
}

// Broadcaster records notifications; Err makes every call fail.
type Broadcaster struct {
	mu    sync.Mutex
	Err   error
	calls []BroadcastCall
}

func (b *Broadcaster) Notify(_ context.Context, conversationID, event string, visibility models.Visibility, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, BroadcastCall{ConversationID: conversationID, Event: event, Visibility: visibility, Data: data})
	return b.Err
}

// Calls returns a copy of the recorded calls.
func (b *Broadcaster) Calls() []BroadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BroadcastCall(nil), b.calls...)
}

// Mail records one Mailer.Send call.
type Mail struct {
	To       []string
	Template string
	Data     map[string]any
}

// Mailer records mails; Err makes every call fail.
type Mailer struct {
	mu   sync.Mutex
	Err  error
	sent []Mail
}

func (m *Mailer) Send(_ context.Context, to []string, template string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Mail{To: append([]string(nil), to...), Template: template, Data: data})
	return m.Err
}

// Sent returns a copy of the recorded mails.
func (m *Mailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.sent...)
}

// Assets records publish and unpublish calls.
type Assets struct {
	mu          sync.Mutex
	Err         error
	published   []string
	unpublished []string
}

func (a *Assets) Publish(_ context.Context, manuscriptID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.published = append(a.published, manuscriptID)
	return a.Err
}

func (a *Assets) Unpublish(_ context.Context, manuscriptID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpublished = append(a.unpublished, manuscriptID)
	return a.Err
}

// Published returns manuscript ids passed to Publish.
func (a *Assets) Published() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.published...)
}

// Unpublished returns manuscript ids passed to Unpublish.
func (a *Assets) Unpublished() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.unpublished...)
}
