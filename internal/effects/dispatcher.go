package effects

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
)

// AssetPublisher publishes and withdraws manuscript assets.
type AssetPublisher interface {
	Publish(ctx context.Context, manuscriptID string) error
	Unpublish(ctx context.Context, manuscriptID string) error
}

// Broadcaster pushes realtime events to conversation subscribers.
type Broadcaster interface {
	Notify(ctx context.Context, conversationID, event string, visibility models.Visibility, data map[string]any) error
}

// Mailer hands a templated mail to the mail service.
type Mailer interface {
	Send(ctx context.Context, to []string, template string, data map[string]any) error
}

// Recipients resolves the people behind a manuscript.
type Recipients interface {
	ManuscriptAuthors(ctx context.Context, manuscriptID string) ([]models.User, error)
	ManuscriptReviewers(ctx context.Context, manuscriptID string) ([]models.User, error)
}

// Dispatcher drains effect lists. Every failure is logged and swallowed.
type Dispatcher struct {
	assets      AssetPublisher
	broadcaster Broadcaster
	mailer      Mailer
	recipients  Recipients
	logger      *slog.Logger
}

// NewDispatcher wires the collaborators. Any of them may be nil; effects needing a
// missing collaborator are skipped with a warning.
func NewDispatcher(assets AssetPublisher, broadcaster Broadcaster, mailer Mailer, recipients Recipients, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		assets:      assets,
		broadcaster: broadcaster,
		mailer:      mailer,
		recipients:  recipients,
		logger:      logging.Component(logger, "effects"),
	}
}

// Drain performs every effect in order and returns how many failed.
func (d *Dispatcher) Drain(ctx context.Context, list []Effect) int {
	failed := 0
	for _, eff := range list {
		if err := d.perform(ctx, eff); err != nil {
			failed++
			telemetry.EffectFailures.WithLabelValues(eff.Name()).Inc()
			d.logger.Warn("effect failed", "effect", eff.Name(), "error", err)
		}
	}
	return failed
}

func (d *Dispatcher) perform(ctx context.Context, eff Effect) error {
	switch e := eff.(type) {
	case PublishAssets:
		if d.assets == nil {
			return d.skip(e)
		}
		if err := d.assets.Publish(ctx, e.ManuscriptID); err != nil {
			return errs.Wrap(errs.ErrDependency, "assets", "publish", e.ManuscriptID, err)
		}
	case UnpublishAssets:
		if d.assets == nil {
			return d.skip(e)
		}
		if err := d.assets.Unpublish(ctx, e.ManuscriptID); err != nil {
			return errs.Wrap(errs.ErrDependency, "assets", "unpublish", e.ManuscriptID, err)
		}
	case Broadcast:
		if d.broadcaster == nil {
			return d.skip(e)
		}
		if err := d.broadcaster.Notify(ctx, e.ConversationID, e.Event, e.Visibility, e.Data); err != nil {
			return errs.Wrap(errs.ErrDependency, "broadcast", e.Event, e.ConversationID, err)
		}
	case Email:
		return d.mail(ctx, e.To, e.Template, e.Data)
	case NotifyAuthors:
		if d.recipients == nil {
			return d.skip(e)
		}
		users, err := d.recipients.ManuscriptAuthors(ctx, e.ManuscriptID)
		if err != nil {
			return errs.Wrap(errs.ErrDependency, "recipients", "authors", e.ManuscriptID, err)
		}
		return d.mail(ctx, emails(users), e.Template, withManuscript(e.Data, e.ManuscriptID))
	case NotifyReviewers:
		if d.recipients == nil {
			return d.skip(e)
		}
		users, err := d.recipients.ManuscriptReviewers(ctx, e.ManuscriptID)
		if err != nil {
			return errs.Wrap(errs.ErrDependency, "recipients", "reviewers", e.ManuscriptID, err)
		}
		return d.mail(ctx, emails(users), e.Template, withManuscript(e.Data, e.ManuscriptID))
	default:
		return fmt.Errorf("unsupported effect %T", eff)
	}
	return nil
}

func (d *Dispatcher) mail(ctx context.Context, to []string, template string, data map[string]any) error {
	if len(to) == 0 {
		d.logger.Debug("no recipients for mail", "template", template)
		return nil
	}
	if d.mailer == nil {
		d.logger.Warn("mailer not configured, skipping", "template", template)
		return nil
	}
	if err := d.mailer.Send(ctx, to, template, data); err != nil {
		return errs.Wrap(errs.ErrDependency, "mail", "send", template, err)
	}
	return nil
}

func (d *Dispatcher) skip(eff Effect) error {
	d.logger.Warn("collaborator not configured, skipping effect", "effect", eff.Name())
	return nil
}

func emails(users []models.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email != "" && !u.IsBot {
			out = append(out, u.Email)
		}
	}
	return out
}

func withManuscript(data map[string]any, manuscriptID string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["manuscriptId"] = manuscriptID
	return out
}
