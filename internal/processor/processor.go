// Package processor прогоняет открытые PR через анализатор и очередь слияния и применяет решения.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/untibullet/pr-automerge/internal/analyzer"
	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/merge"
	"github.com/untibullet/pr-automerge/internal/models"
	"github.com/untibullet/pr-automerge/internal/repository"
)

// Platform все операции GitHub, которые нужны проходу по репозиторию
type Platform interface {
	analyzer.Platform
	merge.Platform
	ListOpenPRs(ctx context.Context, repo models.RepoRef) ([]*models.PullRequest, error)
	ListOpenPRsForBranch(ctx context.Context, repo models.RepoRef, branch string) ([]*models.PullRequest, error)
	AddLabels(ctx context.Context, repo models.RepoRef, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo models.RepoRef, number int, label string) error
}

// Journal журнал решений; решения из него никогда не читаются
type Journal interface {
	RecordDecision(ctx context.Context, d *repository.Decision) error
	RecordMergeOutcome(ctx context.Context, id int64, outcome repository.Outcome, sha, reason string) error
}

type Processor struct {
	cfg      *config.Config
	platform Platform
	journal  Journal
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New создает обработчик; journal может быть nil
func New(cfg *config.Config, platform Platform, journal Journal, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		platform: platform,
		journal:  journal,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock подменяет источник времени для анализатора
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// WithSleep подменяет ожидание в очереди слияния
func (p *Processor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Processor {
	p.sleep = sleep
	return p
}

// ProcessAll проходит все настроенные репозитории по очереди; ошибки собираются, а не прерывают проход
func (p *Processor) ProcessAll(ctx context.Context) error {
	var errs error
	for i := range p.cfg.Repos {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, p.ProcessRepo(ctx, &p.cfg.Repos[i]))
	}
	return errs
}

// ProcessRepo анализирует все открытые PR репозитория параллельно
func (p *Processor) ProcessRepo(ctx context.Context, repoCfg *config.RepoConfig) error {
	ref, err := repoCfg.Ref()
	if err != nil {
		return err
	}

	prs, err := p.platform.ListOpenPRs(ctx, ref)
	if err != nil {
		return fmt.Errorf("repo %s: %w", ref, err)
	}

	return p.fanOut(ctx, repoCfg, ref, prs)
}

// ProcessBranch анализирует открытые PR, чей head указывает на ветку
func (p *Processor) ProcessBranch(ctx context.Context, repoCfg *config.RepoConfig, branch string) error {
	ref, err := repoCfg.Ref()
	if err != nil {
		return err
	}

	prs, err := p.platform.ListOpenPRsForBranch(ctx, ref, branch)
	if err != nil {
		return fmt.Errorf("repo %s branch %s: %w", ref, branch, err)
	}

	return p.fanOut(ctx, repoCfg, ref, prs)
}

// ProcessPR анализирует один PR по свежему снимку
func (p *Processor) ProcessPR(ctx context.Context, repoCfg *config.RepoConfig, number int) error {
	ref, err := repoCfg.Ref()
	if err != nil {
		return err
	}

	pr, err := p.platform.FetchPR(ctx, ref, number)
	if err != nil {
		return fmt.Errorf("repo %s pr #%d: %w", ref, number, err)
	}

	return p.handle(ctx, uuid.New(), repoCfg, ref, pr)
}

// fanOut PR обрабатываются независимо: ошибка одного не отменяет остальные
func (p *Processor) fanOut(ctx context.Context, repoCfg *config.RepoConfig, ref models.RepoRef, prs []*models.PullRequest) error {
	runID := uuid.New()
	p.logger.Info("processing repository",
		zap.String("run_id", runID.String()),
		zap.String("repo", ref.String()),
		zap.Int("open_prs", len(prs)))

	errs := make([]error, len(prs))

	var g errgroup.Group
	for i, pr := range prs {
		g.Go(func() error {
			errs[i] = p.handle(ctx, runID, repoCfg, ref, pr)
			return nil
		})
	}
	_ = g.Wait()

	return multierr.Combine(errs...)
}

func (p *Processor) handle(ctx context.Context, runID uuid.UUID, repoCfg *config.RepoConfig, ref models.RepoRef, pr *models.PullRequest) error {
	logger := p.logger.With(
		zap.String("run_id", runID.String()),
		zap.String("repo", ref.String()),
		zap.Int("pr", pr.Number),
	)

	ev, err := analyzer.New(pr, ref, repoCfg, p.platform, logger).WithClock(p.now).Evaluate(ctx)
	if err != nil {
		logger.Error("failed to analyze pull request", zap.Error(err))
		return fmt.Errorf("repo %s pr #%d: %w", ref, pr.Number, err)
	}

	actions := ev.Actions
	if actions.IsNoop() {
		logger.Debug("nothing to do", zap.Strings("block_reasons", ev.Reasons.Strings()))
		return nil
	}

	decision := &repository.Decision{
		RunID:        runID,
		Repo:         ref.String(),
		PRNumber:     pr.Number,
		HeadSHA:      pr.HeadSHA,
		Reasons:      ev.Reasons.Strings(),
		AddLabels:    actions.AddList(),
		RemoveLabels: actions.RemoveList(),
		Merge:        actions.Merge,
		DryRun:       p.cfg.DryRun,
	}

	if p.cfg.DryRun {
		logger.Info("dry run, skipping actions",
			zap.Bool("merge", actions.Merge),
			zap.Strings("add_labels", decision.AddLabels),
			zap.Strings("remove_labels", decision.RemoveLabels),
			zap.Int("comments", len(actions.PostComments)),
			zap.Strings("block_reasons", decision.Reasons))
		p.record(ctx, logger, decision)
		return nil
	}

	if err := p.apply(ctx, logger, ref, pr, actions); err != nil {
		return fmt.Errorf("repo %s pr #%d: %w", ref, pr.Number, err)
	}
	p.record(ctx, logger, decision)

	if !actions.Merge {
		return nil
	}

	outcome, err := p.queue(repoCfg, logger).Run(ctx, ref, pr.Number)
	p.recordOutcome(ctx, logger, decision, outcome)
	if err != nil {
		return fmt.Errorf("repo %s pr #%d: %w", ref, pr.Number, err)
	}
	return nil
}

// apply снимает только стоящие метки и ставит только недостающие
func (p *Processor) apply(ctx context.Context, logger *zap.Logger, ref models.RepoRef, pr *models.PullRequest, actions analyzer.Actions) error {
	for _, label := range actions.RemoveList() {
		if !pr.HasLabel(label) {
			continue
		}
		if err := p.platform.RemoveLabel(ctx, ref, pr.Number, label); err != nil {
			logger.Warn("failed to remove label", zap.String("label", label), zap.Error(err))
		}
	}

	var missing []string
	for _, label := range actions.AddList() {
		if !pr.HasLabel(label) {
			missing = append(missing, label)
		}
	}
	if len(missing) > 0 {
		if err := p.platform.AddLabels(ctx, ref, pr.Number, missing); err != nil {
			return err
		}
		logger.Info("labels added", zap.Strings("labels", missing))
	}

	for _, body := range actions.PostComments {
		if err := p.platform.PostComment(ctx, ref, pr.Number, body); err != nil {
			return err
		}
	}

	return nil
}

func (p *Processor) queue(repoCfg *config.RepoConfig, logger *zap.Logger) *merge.Queue {
	q := merge.New(p.platform, merge.Options{
		PollInterval:   p.cfg.Queue.PollInterval,
		MaxAttempts:    p.cfg.Queue.MaxAttempts,
		Delay:          repoCfg.MergeDelay,
		Method:         repoCfg.Method(),
		CommentOnAbort: repoCfg.CommentOnAbort,
	}, logger)
	if p.sleep != nil {
		q.WithSleep(p.sleep)
	}
	return q
}

// record ошибки журнала не влияют на обработку PR
func (p *Processor) record(ctx context.Context, logger *zap.Logger, d *repository.Decision) {
	if p.journal == nil {
		return
	}
	if err := p.journal.RecordDecision(ctx, d); err != nil {
		logger.Warn("failed to record decision", zap.Error(err))
	}
}

func (p *Processor) recordOutcome(ctx context.Context, logger *zap.Logger, d *repository.Decision, outcome merge.Outcome) {
	if p.journal == nil || d.ID == 0 {
		return
	}

	result := repository.OutcomeAborted
	reason := outcome.Reason
	switch {
	case outcome.Merged():
		result = repository.OutcomeMerged
	case outcome.Err != nil && !errors.Is(outcome.Err, models.ErrPreconditionNotMet):
		result = repository.OutcomeFailed
		if reason == "" {
			reason = outcome.Err.Error()
		}
	}

	if err := p.journal.RecordMergeOutcome(ctx, d.ID, result, outcome.SHA, reason); err != nil {
		logger.Warn("failed to record merge outcome", zap.Error(err))
	}
}
