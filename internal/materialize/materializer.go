// Package materialize turns bot response messages into conversation posts.
package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Store persists messages and maps bots to the user they post as.
type Store interface {
	GetBotInstall(ctx context.Context, botID string) (models.BotInstall, bool, error)
	CreateMessage(ctx context.Context, m models.Message) (models.Message, error)
}

// Drainer delivers the broadcast for each persisted message.
type Drainer interface {
	Drain(ctx context.Context, list []effects.Effect) int
}

// Result counts what happened to a batch of messages.
type Result struct {
	Persisted int
	Skipped   int
}

// Materializer persists bot messages under the bot's identity.
type Materializer struct {
	store   Store
	drainer Drainer
	logger  *slog.Logger
}

// New builds a materializer. drainer may be nil, in which case nothing is broadcast.
func New(store Store, drainer Drainer, logger *slog.Logger) *Materializer {
	return &Materializer{store: store, drainer: drainer, logger: logging.Component(logger, "materialize")}
}

// Materialize persists msgs into conversationID as botID. A missing identity
// mapping skips the affected message; a storage failure is returned.
func (m *Materializer) Materialize(ctx context.Context, botID, conversationID string, msgs []bots.Message) (Result, error) {
	var res Result
	if len(msgs) == 0 {
		return res, nil
	}
	log := m.logger.With(logging.FieldBotID, botID, "conversation_id", conversationID)
	if conversationID == "" {
		log.Warn("no target conversation, dropping bot messages", "count", len(msgs))
		res.Skipped = len(msgs)
		return res, nil
	}

	for i, msg := range msgs {
		if strings.TrimSpace(msg.Content) == "" {
			res.Skipped++
			continue
		}
		author, err := m.botUser(ctx, botID)
		if err != nil {
			return res, err
		}
		if author == "" {
			log.Warn("bot has no user identity, skipping message", "index", i)
			res.Skipped++
			continue
		}

		visibility := msg.Visibility
		if visibility == "" {
			visibility = models.VisibilityAuthorVisible
		} else if !visibility.Valid() {
			log.Warn("unknown visibility on bot message, using default", "visibility", visibility)
			visibility = models.VisibilityAuthorVisible
		}
		record := models.Message{
			ConversationID: conversationID,
			AuthorID:       author,
			Content:        msg.Content,
			Privacy:        visibility,
			IsBot:          true,
		}
		if msg.ReplyTo != "" {
			parent := msg.ReplyTo
			record.ParentID = &parent
		}
		saved, err := m.store.CreateMessage(ctx, record)
		if err != nil {
			return res, fmt.Errorf("persist bot message: %w", err)
		}
		res.Persisted++

		if m.drainer != nil {
			m.drainer.Drain(ctx, []effects.Effect{effects.Broadcast{
				ConversationID: conversationID,
				Event:          "new-message",
				Visibility:     visibility,
				Data: map[string]any{
					"messageId": saved.ID,
					"authorId":  saved.AuthorID,
					"content":   saved.Content,
					"isBot":     true,
				},
			}})
		}
	}
	return res, nil
}

func (m *Materializer) botUser(ctx context.Context, botID string) (string, error) {
	install, ok, err := m.store.GetBotInstall(ctx, botID)
	if err != nil {
		return "", fmt.Errorf("load bot install %s: %w", botID, err)
	}
	if !ok {
		return "", nil
	}
	return install.UserID, nil
}
