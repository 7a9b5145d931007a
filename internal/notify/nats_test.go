package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs []published
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func TestBroadcasterPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBroadcaster(pub, "colloquium.")

	err := b.Notify(context.Background(), "c-1", "new-message", models.VisibilityEditorOnly, map[string]any{"messageId": "msg-1"})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "colloquium.conversations.c-1.new-message", pub.msgs[0].subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &env))
	assert.Equal(t, "c-1", env.ConversationID)
	assert.Equal(t, models.VisibilityEditorOnly, env.Visibility)
	assert.Equal(t, "msg-1", env.Data["messageId"])
	assert.NotEmpty(t, env.ID)
}

func TestMailerPublishesRequest(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMailer(pub, "colloquium")

	require.NoError(t, m.Send(context.Background(), []string{"rev@uni.edu"}, "review-reminder", map[string]any{"assignmentId": "a-1"}))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "colloquium.mail.send", pub.msgs[0].subject)

	var req MailRequest
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &req))
	assert.Equal(t, []string{"rev@uni.edu"}, req.To)
	assert.Equal(t, "review-reminder", req.Template)
}

func TestPublishErrorsSurface(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	err := NewMailer(pub, "colloquium").Send(context.Background(), []string{"a@b.c"}, "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colloquium.mail.send")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewBroadcaster(&fakePublisher{}, "colloquium").Notify(ctx, "c-1", "e", "", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConversationSubjectSanitizesTokens(t *testing.T) {
	assert.Equal(t, "p.conversations.c_1.status_changed", ConversationSubject("p", "c.1", "status.changed"))
	assert.Equal(t, "p.conversations.c__.x_y", ConversationSubject("p", "c*>", "x y"))
}
