package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/models"
	"github.com/untibullet/pr-automerge/internal/repository"
)

var (
	testNow  = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	testRepo = models.RepoRef{Owner: "acme", Name: "widgets"}
)

type fakePlatform struct {
	mu sync.Mutex

	open       []*models.PullRequest
	byBranch   map[string][]*models.PullRequest
	listErr    error
	reviews    map[int][]models.Review
	reviewErrs map[int]error
	statuses   map[string]map[string]models.StatusState
	comments   map[int][]models.Comment
	removeErr  error
	mergeErr   error

	added   map[int][]string
	removed map[int][]string
	posted  map[int][]string
	merged  map[int]string
}

func newFakePlatform(prs ...*models.PullRequest) *fakePlatform {
	f := &fakePlatform{
		open:       prs,
		byBranch:   map[string][]*models.PullRequest{},
		reviews:    map[int][]models.Review{},
		reviewErrs: map[int]error{},
		statuses:   map[string]map[string]models.StatusState{},
		comments:   map[int][]models.Comment{},
		added:      map[int][]string{},
		removed:    map[int][]string{},
		posted:     map[int][]string{},
		merged:     map[int]string{},
	}
	for _, pr := range prs {
		f.reviews[pr.Number] = []models.Review{{ReviewerID: "2", ReviewerLogin: "reviewer", State: models.ReviewApproved}}
		f.statuses[pr.HeadSHA] = map[string]models.StatusState{"build": models.StatusSuccess}
	}
	return f
}

func (f *fakePlatform) find(number int) *models.PullRequest {
	for _, pr := range f.open {
		if pr.Number == number {
			return pr
		}
	}
	return nil
}

func (f *fakePlatform) ListOpenPRs(_ context.Context, _ models.RepoRef) ([]*models.PullRequest, error) {
	return f.open, f.listErr
}

func (f *fakePlatform) ListOpenPRsForBranch(_ context.Context, _ models.RepoRef, branch string) ([]*models.PullRequest, error) {
	return f.byBranch[branch], nil
}

func (f *fakePlatform) FetchPR(_ context.Context, _ models.RepoRef, number int) (*models.PullRequest, error) {
	if pr := f.find(number); pr != nil {
		return pr, nil
	}
	return nil, errors.New("not found")
}

func (f *fakePlatform) FetchReviews(_ context.Context, _ models.RepoRef, number int) ([]models.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reviewErrs[number]; err != nil {
		return nil, err
	}
	return f.reviews[number], nil
}

func (f *fakePlatform) FetchStatuses(_ context.Context, _ models.RepoRef, sha string) (map[string]models.StatusState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[sha], nil
}

func (f *fakePlatform) FetchComments(_ context.Context, _ models.RepoRef, number int) ([]models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[number], nil
}

func (f *fakePlatform) BotIdentity(context.Context) (string, error) {
	return "merge-bot", nil
}

func (f *fakePlatform) AddLabels(_ context.Context, _ models.RepoRef, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[number] = append(f.added[number], labels...)
	return nil
}

func (f *fakePlatform) RemoveLabel(_ context.Context, _ models.RepoRef, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed[number] = append(f.removed[number], label)
	return nil
}

func (f *fakePlatform) PostComment(_ context.Context, _ models.RepoRef, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted[number] = append(f.posted[number], body)
	return nil
}

func (f *fakePlatform) Merge(_ context.Context, _ models.RepoRef, number int, _, sha string, _ models.MergeMethod, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	f.merged[number] = sha
	return "merged-" + sha, nil
}

type journalMock struct{ mock.Mock }

func (m *journalMock) RecordDecision(ctx context.Context, d *repository.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *journalMock) RecordMergeOutcome(ctx context.Context, id int64, outcome repository.Outcome, sha, reason string) error {
	args := m.Called(ctx, id, outcome, sha, reason)
	return args.Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{PollInterval: time.Second, MaxAttempts: 3},
		Repos: []config.RepoConfig{{
			Name:                  "acme/widgets",
			ReviewedLabel:         "reviewed",
			CIPassedLabel:         "ci-passed",
			NeedsDescriptionLabel: "needs-description",
			RequiredStatuses:      []string{"build"},
			MergeMethod:           "squash",
		}},
	}
}

func readyPR(number int, labels ...string) *models.PullRequest {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return &models.PullRequest{
		Number:         number,
		Author:         "1",
		Title:          fmt.Sprintf("Change %d", number),
		URL:            fmt.Sprintf("https://github.com/acme/widgets/pull/%d", number),
		HeadSHA:        fmt.Sprintf("sha%d", number),
		HeadRef:        fmt.Sprintf("branch-%d", number),
		BaseRef:        "main",
		State:          models.PRStateOpen,
		UpdatedAt:      testNow.Add(-5 * time.Minute),
		Labels:         set,
		HasDescription: true,
		MergeableState: models.MergeableClean,
	}
}

func newProcessor(cfg *config.Config, platform Platform, journal Journal) *Processor {
	return New(cfg, platform, journal, zap.NewNop()).
		WithClock(func() time.Time { return testNow }).
		WithSleep(func(context.Context, time.Duration) error { return nil })
}

func TestProcessRepo_FanOutIsolatesFailures(t *testing.T) {
	ready := readyPR(1, "needs-description")
	draft := readyPR(2)
	draft.Draft = true
	broken := readyPR(3)

	platform := newFakePlatform(ready, draft, broken)
	platform.reviewErrs[3] = models.ErrTransientPlatform

	cfg := testConfig()
	err := newProcessor(cfg, platform, nil).ProcessRepo(context.Background(), &cfg.Repos[0])

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientPlatform)
	assert.Contains(t, err.Error(), "pr #3")

	added := platform.added[1]
	sort.Strings(added)
	assert.Equal(t, []string{"ci-passed", "reviewed"}, added)
	assert.Equal(t, []string{"needs-description"}, platform.removed[1])
	assert.Equal(t, "sha1", platform.merged[1])

	assert.NotContains(t, platform.added, 2)
	assert.NotContains(t, platform.merged, 2)
	assert.NotContains(t, platform.merged, 3)
}

func TestProcessRepo_OnlyChangesDifferingLabels(t *testing.T) {
	pr := readyPR(1, "reviewed")
	platform := newFakePlatform(pr)
	platform.removeErr = errors.New("label missing")
	platform.statuses[pr.HeadSHA] = map[string]models.StatusState{"build": models.StatusFailure}

	cfg := testConfig()
	err := newProcessor(cfg, platform, nil).ProcessRepo(context.Background(), &cfg.Repos[0])

	require.NoError(t, err)
	assert.Empty(t, platform.added[1])
	assert.Empty(t, platform.removed[1])
	assert.Empty(t, platform.merged)
}

func TestProcessRepo_RemoveFailureIsIgnored(t *testing.T) {
	pr := readyPR(1, "ci-passed")
	platform := newFakePlatform(pr)
	platform.removeErr = errors.New("label missing")
	platform.statuses[pr.HeadSHA] = map[string]models.StatusState{"build": models.StatusPending}

	cfg := testConfig()
	err := newProcessor(cfg, platform, nil).ProcessRepo(context.Background(), &cfg.Repos[0])

	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, platform.added[1])
	assert.Empty(t, platform.merged)
}

func TestProcessRepo_DryRunOnlyJournals(t *testing.T) {
	platform := newFakePlatform(readyPR(1))
	cfg := testConfig()
	cfg.DryRun = true

	journal := &journalMock{}
	journal.On("RecordDecision", mock.Anything, mock.MatchedBy(func(d *repository.Decision) bool {
		return d.DryRun && d.Merge && d.Repo == "acme/widgets" && d.PRNumber == 1
	})).Return(nil).Once()

	err := newProcessor(cfg, platform, journal).ProcessRepo(context.Background(), &cfg.Repos[0])

	require.NoError(t, err)
	assert.Empty(t, platform.added)
	assert.Empty(t, platform.merged)
	journal.AssertExpectations(t)
	journal.AssertNotCalled(t, "RecordMergeOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPR_RecordsMergeOutcome(t *testing.T) {
	platform := newFakePlatform(readyPR(5))
	cfg := testConfig()

	journal := &journalMock{}
	journal.On("RecordDecision", mock.Anything, mock.AnythingOfType("*repository.Decision")).
		Run(func(args mock.Arguments) {
			args.Get(1).(*repository.Decision).ID = 42
		}).
		Return(nil).Once()
	journal.On("RecordMergeOutcome", mock.Anything, int64(42), repository.OutcomeMerged, "merged-sha5", "").
		Return(nil).Once()

	err := newProcessor(cfg, platform, journal).ProcessPR(context.Background(), &cfg.Repos[0], 5)

	require.NoError(t, err)
	assert.Equal(t, "sha5", platform.merged[5])
	journal.AssertExpectations(t)
}

func TestProcessPR_RecordsFailedMerge(t *testing.T) {
	platform := newFakePlatform(readyPR(5))
	platform.mergeErr = errors.New("405 base branch was modified")
	cfg := testConfig()

	journal := &journalMock{}
	journal.On("RecordDecision", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(*repository.Decision).ID = 7
		}).
		Return(nil).Once()
	journal.On("RecordMergeOutcome", mock.Anything, int64(7), repository.OutcomeFailed, "",
		mock.MatchedBy(func(reason string) bool { return strings.Contains(reason, "base branch was modified") })).
		Return(nil).Once()

	err := newProcessor(cfg, platform, journal).ProcessPR(context.Background(), &cfg.Repos[0], 5)

	require.NoError(t, err)
	assert.Empty(t, platform.merged)
	journal.AssertExpectations(t)
}

func TestProcessPR_JournalFailureDoesNotBlockMerge(t *testing.T) {
	platform := newFakePlatform(readyPR(5))
	cfg := testConfig()

	journal := &journalMock{}
	journal.On("RecordDecision", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()

	err := newProcessor(cfg, platform, journal).ProcessPR(context.Background(), &cfg.Repos[0], 5)

	require.NoError(t, err)
	assert.Equal(t, "sha5", platform.merged[5])
	journal.AssertNotCalled(t, "RecordMergeOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPR_PostsCommentReply(t *testing.T) {
	pr := readyPR(8)
	pr.HasDescription = false
	platform := newFakePlatform(pr)
	platform.comments[8] = []models.Comment{{Author: "dev", Body: "@merge-bot ?"}}

	cfg := testConfig()
	cfg.Repos[0].ReactToComments = true

	err := newProcessor(cfg, platform, nil).ProcessPR(context.Background(), &cfg.Repos[0], 8)

	require.NoError(t, err)
	require.Len(t, platform.posted[8], 1)
	assert.Contains(t, platform.posted[8][0], "needs a description")
	assert.Empty(t, platform.merged)
}

func TestProcessBranch(t *testing.T) {
	pr := readyPR(9)
	platform := newFakePlatform(pr)
	platform.byBranch["branch-9"] = []*models.PullRequest{pr}

	cfg := testConfig()
	proc := newProcessor(cfg, platform, nil)

	require.NoError(t, proc.ProcessBranch(context.Background(), &cfg.Repos[0], "branch-9"))
	assert.Equal(t, "sha9", platform.merged[9])

	require.NoError(t, proc.ProcessBranch(context.Background(), &cfg.Repos[0], "unknown"))
	assert.Len(t, platform.merged, 1)
}

func TestProcessAll_CollectsRepoErrors(t *testing.T) {
	platform := newFakePlatform()
	platform.listErr = models.ErrTransientPlatform

	cfg := testConfig()
	cfg.Repos = append(cfg.Repos, config.RepoConfig{Name: "acme/gadgets", RequiredStatuses: []string{"build"}})

	err := newProcessor(cfg, platform, nil).ProcessAll(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme/widgets")
	assert.Contains(t, err.Error(), "acme/gadgets")
}
