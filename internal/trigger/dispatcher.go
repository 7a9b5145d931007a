// Package trigger turns queued jobs into bot invocations: it resolves the
// installed bot, mints its credential, builds the invocation context, runs the
// bot under a deadline and feeds the response to the materializer and the
// action processor. Pipeline steps enqueue their successor only after the
// current step has finished.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/actions"
	"github.com/colloquium-journals/colloquium-sub006/internal/botcontext"
	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/credentials"
	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/materialize"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/pipeline"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
)

// Store is the editorial data the dispatcher reads.
type Store interface {
	GetBotInstall(ctx context.Context, botID string) (models.BotInstall, bool, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	PrimaryConversation(ctx context.Context, manuscriptID string) (models.Conversation, bool, error)
}

// Registry resolves bot commands and event handlers.
type Registry interface {
	Command(botID, name string) (*bots.Plugin, bots.Command, error)
	Event(botID, event string) (*bots.Plugin, bots.EventHandler, error)
}

// CredentialIssuer mints and revokes per-invocation credentials.
type CredentialIssuer interface {
	Mint(ctx context.Context, botID, manuscriptID string, perms []string) (credentials.Credential, error)
	Revoke(ctx context.Context, token string) error
}

// ContextBuilder assembles invocation contexts.
type ContextBuilder interface {
	Build(ctx context.Context, req botcontext.Request) *bots.InvocationContext
}

// Materializer persists bot messages.
type Materializer interface {
	Materialize(ctx context.Context, botID, conversationID string, msgs []bots.Message) (materialize.Result, error)
}

// ActionProcessor applies bot actions.
type ActionProcessor interface {
	Process(ctx context.Context, batch []bots.RawAction, ac actions.Context) actions.Report
}

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	Submit(ctx context.Context, req jobs.Request) (jobs.Result, error)
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Store        Store
	Registry     Registry
	Credentials  CredentialIssuer
	Contexts     ContextBuilder
	Materializer Materializer
	Actions      ActionProcessor
	Jobs         Enqueuer
}

// Dispatcher handles the three bot job types.
type Dispatcher struct {
	Deps
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a dispatcher; timeout bounds every bot invocation and defaults to one minute.
func New(deps Deps, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{Deps: deps, timeout: timeout, logger: logging.Component(logger, "trigger")}
}

// invocation is one resolved bot call.
type invocation struct {
	kind           bots.TriggerKind
	botID          string
	target         string
	install        models.BotInstall
	permissions    []string
	manuscriptID   string
	conversationID string
	triggeredBy    bots.TriggeredBy
	actorID        string
	run            func(ctx context.Context, ic *bots.InvocationContext) (*bots.Response, error)
}

// installed loads the install record. A missing or disabled install reports false.
func (d *Dispatcher) installed(ctx context.Context, log *slog.Logger, botID string) (models.BotInstall, bool, error) {
	install, found, err := d.Store.GetBotInstall(ctx, botID)
	if err != nil {
		return models.BotInstall{}, false, fmt.Errorf("load bot install %s: %w", botID, err)
	}
	if !found {
		log.Warn("bot is not installed, dropping trigger")
		return models.BotInstall{}, false, nil
	}
	if !install.Enabled {
		log.Warn("bot is disabled, dropping trigger")
		return models.BotInstall{}, false, nil
	}
	return install, true, nil
}

func (d *Dispatcher) primaryConversation(ctx context.Context, log *slog.Logger, manuscriptID string) string {
	conv, found, err := d.Store.PrimaryConversation(ctx, manuscriptID)
	if err != nil {
		log.Warn("primary conversation lookup failed", "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return conv.ID
}

// execute mints the credential, builds the context and runs the bot under the deadline.
func (d *Dispatcher) execute(ctx context.Context, inv invocation) (*bots.Response, error) {
	cred, err := d.Credentials.Mint(ctx, inv.botID, inv.manuscriptID, inv.permissions)
	if err != nil {
		return nil, errs.Wrap(errs.ErrDependency, "trigger", "mint credential", inv.botID, err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.Credentials.Revoke(rctx, cred.Token); err != nil {
			d.logger.Warn("credential revoke failed", logging.FieldBotID, inv.botID, "error", err)
		}
	}()

	ic := d.Contexts.Build(ctx, botcontext.Request{
		ManuscriptID:   inv.manuscriptID,
		ConversationID: inv.conversationID,
		TriggeredBy:    inv.triggeredBy,
		BotConfig:      inv.install.Config,
		Credential:     cred,
	})

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		resp *bots.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("bot %s panicked: %v", inv.botID, r)}
			}
		}()
		resp, err := inv.run(runCtx, ic)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("bot %s %s timed out after %s", inv.botID, inv.target, d.timeout)
		}
		return nil, runCtx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("bot %s %s: %w", inv.botID, inv.target, out.err)
		}
		if out.resp == nil {
			return &bots.Response{}, nil
		}
		return out.resp, nil
	}
}

// apply persists the response messages then runs its actions.
func (d *Dispatcher) apply(ctx context.Context, log *slog.Logger, inv invocation, resp *bots.Response) error {
	res, err := d.Materializer.Materialize(ctx, inv.botID, inv.conversationID, resp.Messages)
	if err != nil {
		return fmt.Errorf("materialize %s messages: %w", inv.botID, err)
	}
	report := d.Actions.Process(ctx, resp.Actions, actions.Context{
		ManuscriptID:   inv.manuscriptID,
		UserID:         inv.actorID,
		ConversationID: inv.conversationID,
	})
	log.Info("bot invocation applied",
		"messages", res.Persisted,
		"messages_skipped", res.Skipped,
		"actions_succeeded", report.Succeeded,
		"actions_failed", report.Failed,
		"actions_skipped", report.Skipped,
	)
	return nil
}

// notice posts a best-effort explanation into the conversation under the bot's identity.
func (d *Dispatcher) notice(ctx context.Context, log *slog.Logger, inv invocation, replyTo, content string) {
	if inv.conversationID == "" {
		return
	}
	msg := bots.Message{Content: content, ReplyTo: replyTo}
	if _, err := d.Materializer.Materialize(ctx, inv.botID, inv.conversationID, []bots.Message{msg}); err != nil {
		log.Warn("posting notice failed", "error", err)
	}
}

// HandleMessage runs every bot mentioned in a newly created message.
func (d *Dispatcher) HandleMessage(ctx context.Context, job models.Job) error {
	var t models.MessageTrigger
	if err := models.DecodePayload(job, &t); err != nil {
		return err
	}
	log := d.logger.With(logging.FieldJobID, job.ID, "message_id", t.MessageID)

	msg, err := d.Store.GetMessage(ctx, t.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.IsBot {
		log.Debug("ignoring bot-authored message")
		return nil
	}
	mentions := ParseMentions(msg.Content)
	if len(mentions) == 0 {
		return nil
	}

	manuscriptID := t.ManuscriptID
	if manuscriptID == "" {
		conv, err := d.Store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("resolve manuscript for conversation %s: %w", msg.ConversationID, err)
		}
		manuscriptID = conv.ManuscriptID
	}

	triggeredBy := bots.TriggeredBy{MessageID: msg.ID, UserID: t.UserID, Kind: bots.TriggerMention}
	if user, err := d.Store.GetUser(ctx, t.UserID); err == nil {
		triggeredBy.UserRole = user.Role
	} else {
		log.Warn("trigger user lookup failed", "error", err)
	}

	var failures []error
	for _, m := range mentions {
		if err := d.runMention(ctx, log, m, msg, manuscriptID, triggeredBy, job.Attempts == 0); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// runMention executes one mention. A failed command is reported in the
// conversation only on the job's first attempt; retries fail quietly.
func (d *Dispatcher) runMention(ctx context.Context, log *slog.Logger, m Mention, msg models.Message, manuscriptID string, triggeredBy bots.TriggeredBy, firstAttempt bool) error {
	log = log.With(logging.FieldBotID, m.BotID, logging.FieldCommand, m.Command, logging.FieldManuscriptID, manuscriptID)
	install, ok, err := d.installed(ctx, log, m.BotID)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerMention), "dropped").Inc()
		return nil
	}
	_, cmd, err := d.Registry.Command(m.BotID, m.Command)
	if err != nil {
		log.Warn("command not resolvable, dropping mention", "error", err)
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerMention), "dropped").Inc()
		return nil
	}

	inv := invocation{
		kind:           bots.TriggerMention,
		botID:          m.BotID,
		target:         m.Command,
		install:        install,
		permissions:    cmd.Permissions,
		manuscriptID:   manuscriptID,
		conversationID: msg.ConversationID,
		triggeredBy:    triggeredBy,
		actorID:        triggeredBy.UserID,
	}

	params, err := bots.ValidateParameters(cmd.Parameters, m.Parameters)
	if err != nil {
		log.Info("mention parameters rejected", "error", err)
		d.notice(ctx, log, inv, msg.ID, fmt.Sprintf("Could not run `%s`: %s", m.Command, strings.TrimPrefix(err.Error(), errs.ErrValidation.Error()+": ")))
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerMention), "rejected").Inc()
		return nil
	}
	execute := cmd.Execute
	inv.run = func(ctx context.Context, ic *bots.InvocationContext) (*bots.Response, error) {
		return execute(ctx, params, ic)
	}

	resp, err := d.execute(ctx, inv)
	if err != nil {
		log.Error("bot command failed", "error", err, "first_attempt", firstAttempt)
		if firstAttempt {
			d.notice(ctx, log, inv, msg.ID, fmt.Sprintf("`%s` failed: %v", m.Command, err))
		}
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerMention), "failed").Inc()
		return err
	}
	if err := d.apply(ctx, log, inv, resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		d.notice(ctx, log, inv, msg.ID, fmt.Sprintf("`%s` reported errors:\n- %s", m.Command, strings.Join(resp.Errors, "\n- ")))
	}
	telemetry.BotInvocations.WithLabelValues(string(bots.TriggerMention), "succeeded").Inc()
	return nil
}

// HandleEvent delivers a lifecycle event to the bot named in the trigger.
func (d *Dispatcher) HandleEvent(ctx context.Context, job models.Job) error {
	var t models.EventTrigger
	if err := models.DecodePayload(job, &t); err != nil {
		return err
	}
	log := d.logger.With(logging.FieldJobID, job.ID, logging.FieldBotID, t.BotID, logging.FieldEvent, t.EventName, logging.FieldManuscriptID, t.ManuscriptID)

	install, ok, err := d.installed(ctx, log, t.BotID)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerEvent), "dropped").Inc()
		return nil
	}
	_, handler, err := d.Registry.Event(t.BotID, t.EventName)
	if err != nil {
		log.Warn("event handler not resolvable, dropping trigger", "error", err)
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerEvent), "dropped").Inc()
		return nil
	}

	actorID := stringField(t.Payload, "userId")
	if actorID == "" {
		actorID = install.UserID
	}
	conversationID := stringField(t.Payload, "conversationId")
	if conversationID == "" {
		conversationID = d.primaryConversation(ctx, log, t.ManuscriptID)
	}
	payload := t.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	handle := handler.Handle
	inv := invocation{
		kind:           bots.TriggerEvent,
		botID:          t.BotID,
		target:         t.EventName,
		install:        install,
		permissions:    handler.Permissions,
		manuscriptID:   t.ManuscriptID,
		conversationID: conversationID,
		triggeredBy:    bots.TriggeredBy{UserID: actorID, Kind: bots.TriggerEvent},
		actorID:        actorID,
		run: func(ctx context.Context, ic *bots.InvocationContext) (*bots.Response, error) {
			return handle(ctx, ic, payload)
		},
	}

	resp, err := d.execute(ctx, inv)
	if err != nil {
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerEvent), "failed").Inc()
		return err
	}
	if err := d.apply(ctx, log, inv, resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		log.Warn("event handler reported errors", "errors", resp.Errors)
	}
	telemetry.BotInvocations.WithLabelValues(string(bots.TriggerEvent), "succeeded").Inc()
	return nil
}

// HandlePipelineStep runs the step under the cursor and, when it finishes
// cleanly, enqueues the next step as a new job.
func (d *Dispatcher) HandlePipelineStep(ctx context.Context, job models.Job) error {
	var t models.PipelineStep
	if err := models.DecodePayload(job, &t); err != nil {
		return err
	}
	step, _ := t.Cursor.Current()
	log := d.logger.With(
		logging.FieldJobID, job.ID,
		logging.FieldManuscriptID, t.ManuscriptID,
		logging.FieldStepIndex, t.Cursor.Index,
		logging.FieldBotID, step.Bot,
		logging.FieldCommand, step.Command,
	)

	install, ok, err := d.installed(ctx, log, step.Bot)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.PipelineSteps.WithLabelValues("dropped").Inc()
		return nil
	}
	_, cmd, err := d.Registry.Command(step.Bot, step.Command)
	if err != nil {
		log.Warn("pipeline step not resolvable, stopping pipeline", "error", err)
		telemetry.PipelineSteps.WithLabelValues("dropped").Inc()
		return nil
	}
	params, err := bots.ValidateParameters(cmd.Parameters, step.Parameters)
	if err != nil {
		log.Warn("pipeline step parameters rejected, halting pipeline", "error", err)
		telemetry.PipelineSteps.WithLabelValues("halted").Inc()
		return nil
	}

	execute := cmd.Execute
	inv := invocation{
		kind:           bots.TriggerPipeline,
		botID:          step.Bot,
		target:         step.Command,
		install:        install,
		permissions:    cmd.Permissions,
		manuscriptID:   t.ManuscriptID,
		conversationID: d.primaryConversation(ctx, log, t.ManuscriptID),
		triggeredBy:    bots.TriggeredBy{UserID: install.UserID, Kind: bots.TriggerPipeline},
		actorID:        install.UserID,
		run: func(ctx context.Context, ic *bots.InvocationContext) (*bots.Response, error) {
			return execute(ctx, params, ic)
		},
	}

	resp, err := d.execute(ctx, inv)
	if err != nil {
		telemetry.BotInvocations.WithLabelValues(string(bots.TriggerPipeline), "failed").Inc()
		return err
	}
	if err := d.apply(ctx, log, inv, resp); err != nil {
		return err
	}
	telemetry.BotInvocations.WithLabelValues(string(bots.TriggerPipeline), "succeeded").Inc()

	if len(resp.Errors) > 0 {
		log.Warn("pipeline step reported errors, halting pipeline", "errors", resp.Errors)
		telemetry.PipelineSteps.WithLabelValues("halted").Inc()
		return nil
	}

	next, more := t.Cursor.Next()
	if !more {
		log.Info("pipeline finished", "steps", len(t.Cursor.Steps))
		telemetry.PipelineSteps.WithLabelValues("completed").Inc()
		return nil
	}
	res, err := d.Jobs.Submit(ctx, jobs.Request{
		Type:           models.JobTypePipelineStep,
		Payload:        models.PipelineStep{ManuscriptID: t.ManuscriptID, Cursor: next},
		Priority:       job.Priority,
		Tenant:         job.Tenant,
		IdempotencyKey: fmt.Sprintf("pipeline:%s:%d", job.ID, next.Index),
	})
	if err != nil {
		return fmt.Errorf("enqueue pipeline step %s: %w", next, err)
	}
	log.Info("pipeline step completed", "next_job_id", res.Job.ID, "next", next.String(), "idempotent", res.Idempotent)
	telemetry.PipelineSteps.WithLabelValues("completed").Inc()
	return nil
}

// StartPipeline validates steps and enqueues the first one.
func StartPipeline(ctx context.Context, q Enqueuer, manuscriptID string, steps []pipeline.Step, priority, idempotencyKey string) (jobs.Result, error) {
	first := models.PipelineStep{ManuscriptID: manuscriptID, Cursor: pipeline.Cursor{Steps: steps}}
	if err := first.Validate(); err != nil {
		return jobs.Result{}, err
	}
	return q.Submit(ctx, jobs.Request{
		Type:           models.JobTypePipelineStep,
		Payload:        first,
		Priority:       priority,
		IdempotencyKey: idempotencyKey,
	})
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
