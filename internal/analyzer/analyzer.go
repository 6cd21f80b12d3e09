// Package analyzer решает, какие метки должны быть на PR и можно ли ставить его в очередь на слияние.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/models"
	"github.com/untibullet/pr-automerge/internal/review"
)

// InactivityWindow PR, не обновлявшийся дольше, в этом проходе не трогаем
const InactivityWindow = 60 * time.Minute

// Platform данные PR, которые анализатор запрашивает по сети
type Platform interface {
	FetchReviews(ctx context.Context, repo models.RepoRef, number int) ([]models.Review, error)
	FetchStatuses(ctx context.Context, repo models.RepoRef, sha string) (map[string]models.StatusState, error)
	FetchComments(ctx context.Context, repo models.RepoRef, number int) ([]models.Comment, error)
	BotIdentity(ctx context.Context) (string, error)
}

// Evaluation причины блокировки и вытекающие из них действия
type Evaluation struct {
	Reasons BlockReasons
	Actions Actions
}

type Analyzer struct {
	pr       *models.PullRequest
	repo     models.RepoRef
	cfg      *config.RepoConfig
	platform Platform
	logger   *zap.Logger
	now      func() time.Time
}

// New создает анализатор для одного снимка PR
func New(pr *models.PullRequest, repo models.RepoRef, cfg *config.RepoConfig, platform Platform, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		pr:       pr,
		repo:     repo,
		cfg:      cfg,
		platform: platform,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock подменяет источник времени
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// RequiredActions вычисляет действия для PR
func (a *Analyzer) RequiredActions(ctx context.Context) (Actions, error) {
	ev, err := a.Evaluate(ctx)
	if err != nil {
		return Actions{}, err
	}
	return ev.Actions, nil
}

// Evaluate проходит проверки от дешевых к сетевым, останавливаясь как можно раньше
func (a *Analyzer) Evaluate(ctx context.Context) (Evaluation, error) {
	now := a.now()
	reasons := make(BlockReasons)

	// 1. Терминальные состояния: меток не меняем
	if kind, ok := a.terminalReason(now); ok {
		reasons.Add(BlockReason{Kind: kind})
		a.logger.Info("pull request skipped", zap.Stringer("reason", kind))
		return Evaluation{Reasons: reasons, Actions: Noop()}, nil
	}

	checked := map[labelSlot]bool{}

	// 2. Локальные проверки
	reviewsRequired := a.requiresReviews()
	if reviewsRequired && a.pr.PendingReviewerCount > 0 {
		a.logger.Debug("pull request still has pending reviews", zap.Int("pending", a.pr.PendingReviewerCount))
		reasons.Add(BlockReason{Kind: ReasonMissingReviews})
	}
	if a.pr.HasLabel(a.cfg.BlockMergeLabel) {
		reasons.Add(BlockReason{Kind: ReasonBlockedByLabel})
	}
	if a.cfg.NeedsDescriptionLabel != "" {
		checked[slotNeedsDescription] = true
		if !a.pr.HasDescription {
			reasons.Add(BlockReason{Kind: ReasonMissingDescription})
		}
	}
	if !a.outsideGracePeriod(now) {
		reasons.Add(BlockReason{Kind: ReasonInsideGracePeriod})
	}

	// 3. Сетевые проверки
	if len(reasons) == 0 || a.cfg.ReactToComments {
		ciPassed, err := a.ciPassed(ctx)
		if err != nil {
			return Evaluation{}, err
		}
		checked[slotCIPassed] = true
		if !ciPassed {
			reasons.Add(BlockReason{Kind: ReasonCINotPassing})
		}

		reviews, err := a.platform.FetchReviews(ctx, a.repo, a.pr.Number)
		if err != nil {
			return Evaluation{}, fmt.Errorf("failed to fetch reviews: %w", err)
		}
		checked[slotReviewed] = true

		ledger := review.Record(a.pr.Author, a.commentEffect(), reviews)
		approval := review.ApprovalOptional
		if reviewsRequired {
			approval = review.ApprovalRequired
		}
		if !ledger.Approved(approval) {
			reasons.Add(BlockReason{
				Kind:      ReasonMissingReviewApproval,
				FromUsers: ledger.MissingApprovalsFromUsers(),
			})
		}
	}

	// 4-5. Метки и итоговое решение
	actions := reduce(reasons, checked, a.labelNames())

	// 6. Ответ на упоминание бота
	if a.cfg.ReactToComments {
		reply, ok, err := a.commentReply(ctx, reasons)
		if err != nil {
			return Evaluation{}, err
		}
		if ok {
			actions.AddComment(reply)
		}
	}

	a.logger.Debug("pull request evaluated",
		zap.Strings("block_reasons", reasons.Strings()),
		zap.Bool("merge", actions.Merge))

	return Evaluation{Reasons: reasons, Actions: actions}, nil
}

func (a *Analyzer) terminalReason(now time.Time) (ReasonKind, bool) {
	switch {
	case a.pr.Draft:
		return ReasonDraftPR, true
	case a.pr.State == models.PRStateClosed:
		return ReasonClosedPR, true
	case now.Sub(a.pr.UpdatedAt) > InactivityWindow:
		return ReasonInactivePR, true
	}
	return 0, false
}

// requiresReviews ревью обязательны, если настроена метка reviewed и на PR нет метки пропуска
func (a *Analyzer) requiresReviews() bool {
	return a.cfg.ReviewedLabel != "" && !a.pr.HasLabel(a.cfg.SkipReviewLabel)
}

func (a *Analyzer) outsideGracePeriod(now time.Time) bool {
	grace, ok := a.cfg.GracePeriod()
	if !ok {
		return true
	}
	return now.Add(-grace).After(a.pr.UpdatedAt)
}

func (a *Analyzer) commentEffect() review.CommentEffect {
	if a.cfg.CommentRequestsChange {
		return review.CommentRequestsChange
	}
	return review.CommentIgnore
}

func (a *Analyzer) ciPassed(ctx context.Context) (bool, error) {
	statuses, err := a.platform.FetchStatuses(ctx, a.repo, a.pr.HeadSHA)
	if err != nil {
		return false, fmt.Errorf("failed to fetch statuses: %w", err)
	}

	for _, name := range a.cfg.RequiredStatuses {
		state, ok := statuses[name]
		if !ok || state != models.StatusSuccess {
			a.logger.Debug("required status not passing", zap.String("status", name), zap.String("state", string(state)))
			return false, nil
		}
	}
	return true, nil
}

func (a *Analyzer) labelNames() map[labelSlot]string {
	return map[labelSlot]string{
		slotReviewed:         a.cfg.ReviewedLabel,
		slotCIPassed:         a.cfg.CIPassedLabel,
		slotNeedsDescription: a.cfg.NeedsDescriptionLabel,
	}
}

// commentReply ищет последнее упоминание бота, на которое он еще не ответил
func (a *Analyzer) commentReply(ctx context.Context, reasons BlockReasons) (string, bool, error) {
	bot, err := a.platform.BotIdentity(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve bot identity: %w", err)
	}

	comments, err := a.platform.FetchComments(ctx, a.repo, a.pr.Number)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch comments: %w", err)
	}

	mention := strings.ToLower("@" + bot)
	lastMention, lastReply := -1, -1
	for i, c := range comments {
		if strings.EqualFold(c.Author, bot) {
			lastReply = i
			continue
		}
		if strings.Contains(strings.ToLower(c.Body), mention) {
			lastMention = i
		}
	}

	if lastMention <= lastReply {
		return "", false, nil
	}
	return explain(reasons), true, nil
}

// reduce переводит причины в действия; метки трогаются только для вычисленных слотов
func reduce(reasons BlockReasons, checked map[labelSlot]bool, names map[labelSlot]string) Actions {
	actions := Noop()
	for _, slot := range []labelSlot{slotReviewed, slotCIPassed, slotNeedsDescription} {
		if !checked[slot] || names[slot] == "" {
			continue
		}
		actions.SetLabel(names[slot], reasons.labelPresence(slot))
	}
	actions.SetMerge(!reasons.VetoesMerge())
	return actions
}
