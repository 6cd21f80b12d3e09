// Package github реализует доступ к GitHub REST API для анализатора, очереди слияния и обработчика.
package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	gh "github.com/google/go-github/v71/github"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/models"
)

const perPage = 100

type Client struct {
	api    *gh.Client
	logger *zap.Logger

	botLogin atomic.Pointer[string]
	botGroup singleflight.Group
}

// New создает клиента с токеном из конфигурации; BaseURL переключает на GitHub Enterprise
func New(cfg config.GitHubConfig, logger *zap.Logger) (*Client, error) {
	api := gh.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		var err error
		api, err = api.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid github.base_url: %w", models.ErrConfiguration, err)
		}
	}
	return NewWithAPI(api, logger), nil
}

// NewWithAPI оборачивает готовый go-github клиент
func NewWithAPI(api *gh.Client, logger *zap.Logger) *Client {
	return &Client{
		api:    api,
		logger: logger,
	}
}

// ListOpenPRs открытые PR репозитория, недавно обновленные первыми
func (c *Client) ListOpenPRs(ctx context.Context, repo models.RepoRef) ([]*models.PullRequest, error) {
	return c.listPRs(ctx, repo, &gh.PullRequestListOptions{
		State:     "open",
		Sort:      "updated",
		Direction: "desc",
	})
}

// ListOpenPRsForBranch открытые PR, у которых head указывает на ветку репозитория
func (c *Client) ListOpenPRsForBranch(ctx context.Context, repo models.RepoRef, branch string) ([]*models.PullRequest, error) {
	return c.listPRs(ctx, repo, &gh.PullRequestListOptions{
		State:     "open",
		Head:      repo.Owner + ":" + branch,
		Sort:      "updated",
		Direction: "desc",
	})
}

func (c *Client) listPRs(ctx context.Context, repo models.RepoRef, opts *gh.PullRequestListOptions) ([]*models.PullRequest, error) {
	opts.ListOptions = gh.ListOptions{PerPage: perPage}

	var result []*models.PullRequest
	for {
		prs, resp, err := c.api.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, classify(err, "list pull requests")
		}
		for _, pr := range prs {
			result = append(result, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// FetchPR свежий снимок PR, включая mergeable_state
func (c *Client) FetchPR(ctx context.Context, repo models.RepoRef, number int) (*models.PullRequest, error) {
	pr, _, err := c.api.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, classify(err, "fetch pull request")
	}
	return convertPR(pr), nil
}

// FetchReviews ревью PR в порядке отправки; нераспознанные записи пропускаются
func (c *Client) FetchReviews(ctx context.Context, repo models.RepoRef, number int) ([]models.Review, error) {
	opts := &gh.ListOptions{PerPage: perPage}

	var result []models.Review
	for {
		reviews, resp, err := c.api.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, classify(err, "list reviews")
		}
		for _, r := range reviews {
			review, err := convertReview(r)
			if err != nil {
				c.logger.Debug("skipping review", zap.Int64("review_id", r.GetID()), zap.Error(err))
				continue
			}
			result = append(result, review)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// FetchStatuses итоговое состояние каждой проверки для коммита
func (c *Client) FetchStatuses(ctx context.Context, repo models.RepoRef, sha string) (map[string]models.StatusState, error) {
	opts := &gh.ListOptions{PerPage: perPage}

	result := make(map[string]models.StatusState)
	for {
		combined, resp, err := c.api.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, sha, opts)
		if err != nil {
			return nil, classify(err, "fetch combined status")
		}
		for _, s := range combined.Statuses {
			name, state, err := convertStatus(s)
			if err != nil {
				c.logger.Debug("skipping status", zap.Error(err))
				continue
			}
			// GitHub отдает последние статусы первыми
			if _, seen := result[name]; !seen {
				result[name] = state
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// FetchComments комментарии обсуждения PR в хронологическом порядке
func (c *Client) FetchComments(ctx context.Context, repo models.RepoRef, number int) ([]models.Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.Ptr("created"),
		Direction:   gh.Ptr("asc"),
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var result []models.Comment
	for {
		comments, resp, err := c.api.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, classify(err, "list comments")
		}
		for _, comment := range comments {
			result = append(result, models.Comment{
				Author: comment.GetUser().GetLogin(),
				Body:   comment.GetBody(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

func (c *Client) AddLabels(ctx context.Context, repo models.RepoRef, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	if _, _, err := c.api.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels); err != nil {
		return classify(err, "add labels")
	}
	return nil
}

func (c *Client) RemoveLabel(ctx context.Context, repo models.RepoRef, number int, label string) error {
	if _, err := c.api.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label); err != nil {
		return classify(err, "remove label "+label)
	}
	return nil
}

func (c *Client) PostComment(ctx context.Context, repo models.RepoRef, number int, body string) error {
	if _, _, err := c.api.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &gh.IssueComment{Body: gh.Ptr(body)}); err != nil {
		return classify(err, "post comment")
	}
	return nil
}

// Merge сливает PR, только если head все еще указывает на sha; возвращает SHA коммита слияния
func (c *Client) Merge(ctx context.Context, repo models.RepoRef, number int, title, sha string, method models.MergeMethod, message string) (string, error) {
	result, _, err := c.api.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, message, &gh.PullRequestOptions{
		CommitTitle: title,
		SHA:         sha,
		MergeMethod: string(method),
	})
	if err != nil {
		return "", classify(err, "merge pull request")
	}
	return result.GetSHA(), nil
}

// BotIdentity логин пользователя, от имени которого работает токен.
// Запрашивается один раз, одновременные вызовы делят один запрос.
func (c *Client) BotIdentity(ctx context.Context) (string, error) {
	if login := c.botLogin.Load(); login != nil {
		return *login, nil
	}

	v, err, _ := c.botGroup.Do("bot", func() (any, error) {
		if login := c.botLogin.Load(); login != nil {
			return *login, nil
		}
		user, _, err := c.api.Users.Get(ctx, "")
		if err != nil {
			return "", classify(err, "fetch authenticated user")
		}
		login := user.GetLogin()
		c.botLogin.Store(&login)
		return login, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func convertPR(pr *gh.PullRequest) *models.PullRequest {
	labels := make(map[string]struct{}, len(pr.Labels))
	for _, l := range pr.Labels {
		labels[l.GetName()] = struct{}{}
	}

	state := models.PRStateOpen
	if pr.GetState() == string(models.PRStateClosed) {
		state = models.PRStateClosed
	}

	return &models.PullRequest{
		ID:                   pr.GetID(),
		Number:               pr.GetNumber(),
		Author:               userID(pr.GetUser()),
		AuthorLogin:          pr.GetUser().GetLogin(),
		Title:                pr.GetTitle(),
		Body:                 pr.GetBody(),
		URL:                  pr.GetHTMLURL(),
		HeadSHA:              pr.GetHead().GetSHA(),
		HeadRef:              pr.GetHead().GetRef(),
		BaseRef:              pr.GetBase().GetRef(),
		Draft:                pr.GetDraft(),
		State:                state,
		UpdatedAt:            pr.GetUpdatedAt().Time,
		Labels:               labels,
		HasDescription:       strings.TrimSpace(pr.GetBody()) != "",
		PendingReviewerCount: len(pr.RequestedReviewers) + len(pr.RequestedTeams),
		MergeableState:       models.MergeableState(pr.GetMergeableState()),
	}
}

func convertReview(r *gh.PullRequestReview) (models.Review, error) {
	if r.GetUser().GetID() == 0 {
		return models.Review{}, fmt.Errorf("%w: review without author", models.ErrMalformedInput)
	}

	state := models.ReviewState(r.GetState())
	switch state {
	case models.ReviewApproved, models.ReviewChangesRequested, models.ReviewCommented, models.ReviewPending:
	case "DISMISSED":
		// отозванное ревью не несет мнения
		state = models.ReviewPending
	default:
		return models.Review{}, fmt.Errorf("%w: unknown review state %q", models.ErrMalformedInput, r.GetState())
	}

	return models.Review{
		ReviewerID:    userID(r.GetUser()),
		ReviewerLogin: r.GetUser().GetLogin(),
		State:         state,
	}, nil
}

func convertStatus(s *gh.RepoStatus) (string, models.StatusState, error) {
	name := s.GetContext()
	if name == "" {
		return "", "", fmt.Errorf("%w: status without context", models.ErrMalformedInput)
	}

	state := models.StatusState(s.GetState())
	switch state {
	case models.StatusSuccess, models.StatusFailure, models.StatusError, models.StatusPending:
		return name, state, nil
	}
	return "", "", fmt.Errorf("%w: status %s has unknown state %q", models.ErrMalformedInput, name, s.GetState())
}

func userID(u *gh.User) string {
	if u.GetID() == 0 {
		return ""
	}
	return strconv.FormatInt(u.GetID(), 10)
}
