// Package botcontext assembles the invocation context handed to bot logic.
// Every prefetch is best-effort: a failure is logged and its field omitted.
package botcontext

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/credentials"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// Source is the read API the builder prefetches from.
type Source interface {
	GetManuscript(ctx context.Context, id string) (models.Manuscript, error)
	ListManuscriptFiles(ctx context.Context, manuscriptID string) ([]models.ManuscriptFile, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	PrimaryConversation(ctx context.Context, manuscriptID string) (models.Conversation, bool, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	JournalSettings(ctx context.Context) (map[string]any, error)
}

// Request carries what the dispatcher already knows about an invocation.
type Request struct {
	ManuscriptID   string
	ConversationID string
	TriggeredBy    bots.TriggeredBy
	BotConfig      map[string]any
	Credential     credentials.Credential
}

// Builder builds invocation contexts.
type Builder struct {
	source Source
	logger *slog.Logger
}

// NewBuilder returns a builder reading from source.
func NewBuilder(source Source, logger *slog.Logger) *Builder {
	return &Builder{source: source, logger: logging.Component(logger, "botcontext")}
}

// Build always returns a context. Snapshots are fetched concurrently, each only
// when the credential declares the matching permission.
func (b *Builder) Build(ctx context.Context, req Request) *bots.InvocationContext {
	ic := &bots.InvocationContext{
		ManuscriptID:   req.ManuscriptID,
		ConversationID: req.ConversationID,
		TriggeredBy:    req.TriggeredBy,
		BotConfig:      req.BotConfig,
		Credential:     req.Credential,
	}
	log := b.logger.With(logging.FieldBotID, req.Credential.BotID, logging.FieldManuscriptID, req.ManuscriptID)

	var (
		g            errgroup.Group
		manuscript   *models.Manuscript
		files        []models.ManuscriptFile
		conversation *bots.ConversationSnapshot
		settings     map[string]any
	)

	g.Go(func() error {
		s, err := b.source.JournalSettings(ctx)
		if err != nil {
			log.Warn("prefetch journal settings failed", "error", err)
			return nil
		}
		settings = s
		return nil
	})

	if req.ManuscriptID != "" && req.Credential.Allows(credentials.PermReadManuscript) {
		g.Go(func() error {
			m, err := b.source.GetManuscript(ctx, req.ManuscriptID)
			if err != nil {
				log.Warn("prefetch manuscript failed", "error", err)
				return nil
			}
			manuscript = &m
			return nil
		})
	}

	if req.ManuscriptID != "" && req.Credential.Allows(credentials.PermReadManuscriptFiles) {
		g.Go(func() error {
			f, err := b.source.ListManuscriptFiles(ctx, req.ManuscriptID)
			if err != nil {
				log.Warn("prefetch manuscript files failed", "error", err)
				return nil
			}
			files = f
			return nil
		})
	}

	if req.Credential.Allows(credentials.PermReadConversations) {
		g.Go(func() error {
			snap, err := b.conversation(ctx, req)
			if err != nil {
				log.Warn("prefetch conversation failed", "error", err)
				return nil
			}
			conversation = snap
			return nil
		})
	}

	_ = g.Wait()

	ic.JournalSettings = settings
	ic.Manuscript = manuscript
	ic.Files = files
	ic.Conversation = conversation
	if ic.ConversationID == "" && conversation != nil {
		ic.ConversationID = conversation.ID
	}
	return ic
}

func (b *Builder) conversation(ctx context.Context, req Request) (*bots.ConversationSnapshot, error) {
	var conv models.Conversation
	if req.ConversationID != "" {
		c, err := b.source.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		conv = c
	} else {
		if req.ManuscriptID == "" {
			return nil, nil
		}
		c, ok, err := b.source.PrimaryConversation(ctx, req.ManuscriptID)
		if err != nil || !ok {
			return nil, err
		}
		conv = c
	}
	count, err := b.source.CountMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &bots.ConversationSnapshot{ID: conv.ID, Title: conv.Title, MessageCount: count}, nil
}
