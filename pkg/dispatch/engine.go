package dispatch

import (
	"context"
	"errors"
	"fmt"

	"mergebot/pkg/eventlog"
	"mergebot/pkg/github"
	"mergebot/pkg/logx"
	"mergebot/pkg/rules"
	"mergebot/pkg/train"
	"mergebot/pkg/webhook"
)

// PullSource supplies fresh pull request snapshots for rule matching.
type PullSource interface {
	GetPull(ctx context.Context, number int) (*github.PullSnapshot, error)
}

// MaterializerFactory yields the materializer for one train branch.
type MaterializerFactory func(branch string) train.Materializer

// Engine applies one event to the branch train: admission through the rule
// registry, removal on close or rule mismatch, then a reconciliation pass.
type Engine struct {
	store        train.Store
	registry     *rules.Registry
	pulls        PullSource
	materializer MaterializerFactory
	metrics      train.MetricsRecorder
	journal      *eventlog.Writer
	logger       *logx.Logger
}

// NewEngine wires the event engine. metrics and journal may be nil.
func NewEngine(store train.Store, registry *rules.Registry, pulls PullSource, materializer MaterializerFactory, metrics train.MetricsRecorder, journal *eventlog.Writer) *Engine {
	return &Engine{
		store:        store,
		registry:     registry,
		pulls:        pulls,
		materializer: materializer,
		metrics:      metrics,
		journal:      journal,
		logger:       logx.NewLogger("engine"),
	}
}

// HandleEvent loads the branch train under the lease, applies the event, and
// reconciles. The train is always reloaded from the store inside the lease;
// nothing is cached across events.
func (e *Engine) HandleEvent(ctx context.Context, lease *train.Lease, event webhook.Event) error {
	branch := TrainBranch(event.Branch)
	tr := train.New(event.RepositoryID, branch, e.store, e.materializer(branch), lease)
	if e.metrics != nil {
		tr.SetMetrics(e.metrics)
	}
	if err := tr.Load(ctx); err != nil {
		return fmt.Errorf("load train %s: %w", train.StateKey(event.RepositoryID, branch), err)
	}

	switch event.Type {
	case webhook.TypePullRequest:
		if err := e.applyPullEvent(ctx, tr, event); err != nil {
			return err
		}
	case webhook.TypeCheckSuite, webhook.TypeStatus:
		// Check events carry no sequence change; the refresh below picks up
		// the new verdicts and reconciles any drift.
	}

	if err := tr.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh train %s: %w", tr.Key(), err)
	}
	return nil
}

func (e *Engine) applyPullEvent(ctx context.Context, tr *train.Train, event webhook.Event) error {
	number := event.PullNumber

	if event.Action == "closed" {
		if tr.Contains(number) {
			tr.RemovePull(number, event.Merged)
			e.journalTransition(tr, number, "removed (closed)")
		}
		return nil
	}

	pull, err := e.pulls.GetPull(ctx, number)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			if tr.Contains(number) {
				tr.RemovePull(number, false)
				e.journalTransition(tr, number, "removed (gone)")
			}
			return nil
		}
		return fmt.Errorf("snapshot pull #%d: %w", number, err)
	}

	rule, err := e.registry.Route(pull)
	if err != nil {
		return fmt.Errorf("route pull #%d: %w", number, err)
	}

	admissible := rule != nil && pull.State == "open" && !pull.Draft && !pull.Merged
	switch {
	case admissible:
		cfg := rules.ResolveQueueConfig(pull, rule)
		tr.AddPull(number, cfg)
		e.journalTransition(tr, number, fmt.Sprintf("queued in %s", cfg.QueueName))
	case tr.Contains(number):
		// The pull no longer qualifies (rule mismatch, drafted, closed race).
		tr.RemovePull(number, pull.Merged)
		e.journalTransition(tr, number, "removed (no longer queued)")
	}
	return nil
}

func (e *Engine) journalTransition(tr *train.Train, number int, detail string) {
	e.logger.Info("%s: pull #%d %s", tr.Key(), number, detail)
	if e.journal == nil {
		return
	}
	_ = e.journal.Write(&eventlog.Entry{
		Kind:         eventlog.KindTransition,
		RepositoryID: tr.RepositoryID(),
		Branch:       tr.Branch(),
		PullNumber:   number,
		Detail:       detail,
	})
}
