package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/manuscript"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
)

// Drainer performs the effects a successful action returned.
type Drainer interface {
	Drain(ctx context.Context, list []effects.Effect) int
}

// Report summarizes one batch.
type Report struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Options tune a Processor.
type Options struct {
	ReviewDefaultDays int
	Now               func() time.Time
	Suffix            func() string
}

type entry struct {
	decode func(json.RawMessage) (any, error)
	run    func(context.Context, any, Context) (effects.List, error)
}

func bind[P Payload](fn func(context.Context, P, Context) (effects.List, error)) entry {
	return entry{
		decode: func(raw json.RawMessage) (any, error) { return Decode[P](raw) },
		run: func(ctx context.Context, p any, ac Context) (effects.List, error) {
			return fn(ctx, p.(P), ac)
		},
	}
}

// Processor runs action batches.
type Processor struct {
	registry map[Kind]entry
	drainer  Drainer
	logger   *slog.Logger
}

// NewProcessor builds the kind→handler map once.
func NewProcessor(store Store, machine *manuscript.Machine, drainer Drainer, logger *slog.Logger, opts Options) *Processor {
	logger = logging.Component(logger, "actions")
	h := &handlers{
		store:      store,
		machine:    machine,
		logger:     logger,
		now:        opts.Now,
		reviewDays: opts.ReviewDefaultDays,
		suffix:     opts.Suffix,
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	if h.reviewDays <= 0 {
		h.reviewDays = 30
	}
	if h.suffix == nil {
		h.suffix = randomSuffix
	}
	return &Processor{
		registry: map[Kind]entry{
			KindAssignReviewer:             bind(h.assignReviewer),
			KindUpdateManuscriptStatus:     bind(h.updateStatus),
			KindCreateConversation:         bind(h.createConversation),
			KindRespondToReview:            bind(h.respondToReview),
			KindSubmitReview:               bind(h.submitReview),
			KindMakeEditorialDecision:      bind(h.editorialDecision),
			KindAssignActionEditor:         bind(h.assignActionEditor),
			KindExecutePublicationWorkflow: bind(h.executePublication),
			KindUpdateWorkflowPhase:        bind(h.updatePhase),
			KindSendManualReminder:         bind(h.sendReminder),
		},
		drainer: drainer,
		logger:  logger,
	}
}

// Registered reports whether kind has a handler.
func (p *Processor) Registered(kind Kind) bool {
	_, ok := p.registry[kind]
	return ok
}

// Process runs every action in order. Failures are logged and counted; they never
// stop the batch and never surface as an error.
func (p *Processor) Process(ctx context.Context, batch []bots.RawAction, ac Context) Report {
	var report Report
	for i, raw := range batch {
		kind := ParseKind(raw.Type)
		log := p.logger.With(logging.FieldAction, string(kind), "index", i, logging.FieldManuscriptID, ac.ManuscriptID)

		e, ok := p.registry[kind]
		if !ok {
			report.Skipped++
			telemetry.ActionsTotal.WithLabelValues("unknown", "skipped").Inc()
			log.Warn("no handler for action kind", "type", raw.Type)
			continue
		}

		payload, err := e.decode(raw.Data)
		if err != nil {
			report.Failed++
			telemetry.ActionsTotal.WithLabelValues(string(kind), "invalid").Inc()
			log.Error("action payload rejected", "error", err)
			continue
		}

		list, err := p.invoke(ctx, e, payload, ac)
		if err != nil {
			report.Failed++
			telemetry.ActionsTotal.WithLabelValues(string(kind), "failed").Inc()
			log.Error("action failed", "error", err, "error_kind", errs.Kind(err))
			continue
		}

		report.Succeeded++
		telemetry.ActionsTotal.WithLabelValues(string(kind), "succeeded").Inc()
		if len(list) > 0 && p.drainer != nil {
			if failed := p.drainer.Drain(ctx, list); failed > 0 {
				log.Warn("action side effects failed", "failed", failed, "total", len(list))
			}
		}
	}
	return report
}

func (p *Processor) invoke(ctx context.Context, e entry, payload any, ac Context) (list effects.List, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action handler panic: %v", r)
		}
	}()
	return e.run(ctx, payload, ac)
}
