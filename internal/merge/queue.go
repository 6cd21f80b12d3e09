// Package merge ждет, пока платформа посчитает готовность PR к слиянию, и сливает его.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/untibullet/pr-automerge/internal/models"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 3
)

// Platform операции, нужные очереди слияния
type Platform interface {
	FetchPR(ctx context.Context, repo models.RepoRef, number int) (*models.PullRequest, error)
	Merge(ctx context.Context, repo models.RepoRef, number int, title, sha string, method models.MergeMethod, message string) (string, error)
	PostComment(ctx context.Context, repo models.RepoRef, number int, body string) error
}

// State состояние очереди для одного PR
type State int

const (
	StatePolling State = iota
	StateMerging
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Step решение по очередному опросу PR
type Step int

const (
	StepContinue Step = iota
	StepAbort
	StepCommit
)

// Options параметры очереди для одного репозитория
type Options struct {
	PollInterval   time.Duration
	MaxAttempts    int
	Delay          time.Duration
	Method         models.MergeMethod
	CommentOnAbort bool
}

// Outcome итог работы очереди. Err заполняется, если слияние не состоялось по
// причине, о которой стоит знать оператору.
type Outcome struct {
	State    State
	Attempts int
	SHA      string
	Reason   string
	Err      error
}

// Merged PR слит
func (o Outcome) Merged() bool {
	return o.State == StateDone
}

type Queue struct {
	platform Platform
	opts     Options
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(platform Platform, opts Options, logger *zap.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Method == "" {
		opts.Method = models.MergeMethodMerge
	}
	return &Queue{
		platform: platform,
		opts:     opts,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// WithSleep подменяет ожидание между опросами
func (q *Queue) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Queue {
	q.sleep = sleep
	return q
}

// Run опрашивает PR до определенного состояния и пытается его слить.
// Ошибка возвращается только при отмене контекста или неустранимой ошибке платформы;
// исчерпание попыток и отказ в слиянии отражаются в Outcome.
func (q *Queue) Run(ctx context.Context, repo models.RepoRef, number int) (Outcome, error) {
	logger := q.logger.With(zap.String("repo", repo.String()), zap.Int("pr", number))

	if q.opts.Delay > 0 {
		if err := q.sleep(ctx, q.opts.Delay); err != nil {
			return Outcome{State: StateAborted, Err: err}, err
		}
	}

	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		pr, err := q.platform.FetchPR(ctx, repo, number)

		var (
			step   Step
			reason string
		)
		switch {
		case err == nil:
			step, reason = Classify(pr)
		case errors.Is(err, models.ErrTransientPlatform):
			logger.Warn("failed to fetch pull request, retrying", zap.Int("attempt", attempt), zap.Error(err))
			step = StepContinue
		default:
			err = fmt.Errorf("failed to fetch pull request: %w", err)
			return Outcome{State: StateAborted, Attempts: attempt, Err: err}, err
		}

		switch step {
		case StepContinue:
			if err == nil {
				logger.Warn("merge state is unknown, retrying", zap.Int("attempt", attempt))
			}
			if attempt == q.opts.MaxAttempts {
				continue
			}
			if err := q.sleep(ctx, q.opts.PollInterval); err != nil {
				return Outcome{State: StateAborted, Attempts: attempt, Err: err}, err
			}
		case StepAbort:
			return q.abort(ctx, logger, repo, pr, attempt, reason), nil
		case StepCommit:
			return q.commit(ctx, logger, repo, pr, attempt), nil
		}
	}

	logger.Warn("merge state still unknown, giving up until next event", zap.Int("attempts", q.opts.MaxAttempts))
	return Outcome{State: StateAborted, Attempts: q.opts.MaxAttempts}, nil
}

// Classify переводит состояние готовности PR в шаг очереди.
// Для StepAbort возвращается человекочитаемая причина; пустая причина означает
// нераспознанное состояние, о котором не пишем в PR.
func Classify(pr *models.PullRequest) (Step, string) {
	switch pr.MergeableState {
	case "", models.MergeableUnknown:
		return StepContinue, ""
	case models.MergeableClean, models.MergeableHasHooks, models.MergeableUnstable:
		// unstable: упали необязательные проверки, обязательные анализатор уже проверил
		return StepCommit, ""
	case models.MergeableDraft:
		return StepAbort, "PR is a draft and can't be merged"
	case models.MergeableBehind:
		return StepAbort, fmt.Sprintf("PR branch '%s' is behind '%s' and needs to be updated", pr.HeadRef, pr.BaseRef)
	case models.MergeableDirty:
		return StepAbort, "GitHub is unable to create a merge commit for the PR"
	case models.MergeableBlocked:
		return StepAbort, "1 or more required checks are pending"
	}
	return StepAbort, ""
}

func (q *Queue) abort(ctx context.Context, logger *zap.Logger, repo models.RepoRef, pr *models.PullRequest, attempt int, reason string) Outcome {
	if reason == "" {
		logger.Warn("ignoring unknown merge state", zap.String("state", string(pr.MergeableState)))
		return Outcome{State: StateAborted, Attempts: attempt}
	}

	logger.Warn("pull request was not able to automerge", zap.String("reason", reason))
	q.commentAbort(ctx, logger, repo, pr.Number, reason)

	return Outcome{
		State:    StateAborted,
		Attempts: attempt,
		Reason:   reason,
		Err:      fmt.Errorf("%w: %s", models.ErrPreconditionNotMet, reason),
	}
}

func (q *Queue) commit(ctx context.Context, logger *zap.Logger, repo models.RepoRef, pr *models.PullRequest, attempt int) Outcome {
	sha, err := q.platform.Merge(ctx, repo, pr.Number, CommitTitle(pr), pr.HeadSHA, q.opts.Method, CommitMessage(pr))
	if err != nil {
		reason := fmt.Sprintf("Failed to merge PR: %v", err)
		logger.Warn("pull request was not able to automerge", zap.Error(err))
		q.commentAbort(ctx, logger, repo, pr.Number, reason)
		return Outcome{
			State:    StateAborted,
			Attempts: attempt,
			Reason:   reason,
			Err:      fmt.Errorf("failed to merge pull request: %w", err),
		}
	}

	logger.Info("successfully merged pull request", zap.String("sha", sha))
	return Outcome{State: StateDone, Attempts: attempt, SHA: sha}
}

// commentAbort ошибку публикации только логируем
func (q *Queue) commentAbort(ctx context.Context, logger *zap.Logger, repo models.RepoRef, number int, reason string) {
	if !q.opts.CommentOnAbort {
		return
	}
	if err := q.platform.PostComment(ctx, repo, number, "automerge aborted: "+reason); err != nil {
		logger.Warn("failed to post abort comment", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
