package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	gh "github.com/google/go-github/v71/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/repository"
)

// Коды ошибок для API
const (
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeBadPayload       = "BAD_PAYLOAD"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeJournalDisabled  = "JOURNAL_DISABLED"
	ErrCodeInternal         = "INTERNAL"
)

// Runner запускает проходы анализатора
type Runner interface {
	ProcessRepo(ctx context.Context, repoCfg *config.RepoConfig) error
	ProcessPR(ctx context.Context, repoCfg *config.RepoConfig, number int) error
	ProcessBranch(ctx context.Context, repoCfg *config.RepoConfig, branch string) error
}

// DecisionLister чтение журнала решений
type DecisionLister interface {
	ListDecisions(ctx context.Context, repo string, limit int) ([]repository.Decision, error)
}

type Handler struct {
	baseCtx   context.Context
	cfg       *config.Config
	runner    Runner
	decisions DecisionLister
	logger    *zap.Logger
	jobs      sync.WaitGroup
}

// New создает новый экземпляр обработчика. baseCtx ограничивает фоновые проходы,
// decisions равен nil, если журнал выключен.
func New(baseCtx context.Context, cfg *config.Config, runner Runner, decisions DecisionLister, logger *zap.Logger) *Handler {
	return &Handler{
		baseCtx:   baseCtx,
		cfg:       cfg,
		runner:    runner,
		decisions: decisions,
		logger:    logger,
	}
}

// ErrorResponse представляет структуру ошибки API
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse создает стандартный ответ с ошибкой
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

func accepted(c echo.Context, event string) error {
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "event": event})
}

func ignored(c echo.Context, event, reason string) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "event": event, "reason": reason})
}

// Webhook принимает события GitHub и запускает анализ затронутых PR в фоне
func (h *Handler) Webhook(c echo.Context) error {
	payload, err := gh.ValidatePayload(c.Request(), []byte(h.cfg.GitHub.WebhookSecret))
	if err != nil {
		h.logger.Warn("Webhook: invalid signature", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, newErrorResponse(ErrCodeInvalidSignature, "invalid webhook signature"))
	}

	eventType := gh.WebHookType(c.Request())
	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		h.logger.Warn("Webhook: failed to parse payload", zap.String("event", eventType), zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadPayload, "unsupported or malformed event"))
	}

	h.logger.Debug("Webhook: event received", zap.String("event", eventType), zap.String("delivery", gh.DeliveryID(c.Request())))

	switch e := event.(type) {
	case *gh.PingEvent:
		return c.JSON(http.StatusOK, map[string]string{"status": "pong"})

	case *gh.PullRequestEvent:
		if e.GetAction() == "closed" {
			return ignored(c, eventType, "pull request closed")
		}
		return h.dispatchPR(c, eventType, e.GetRepo().GetFullName(), e.GetNumber())

	case *gh.PullRequestReviewEvent:
		return h.dispatchPR(c, eventType, e.GetRepo().GetFullName(), e.GetPullRequest().GetNumber())

	case *gh.IssueCommentEvent:
		if !e.GetIssue().IsPullRequest() || e.GetAction() != "created" {
			return ignored(c, eventType, "not a new pull request comment")
		}
		return h.dispatchPR(c, eventType, e.GetRepo().GetFullName(), e.GetIssue().GetNumber())

	case *gh.StatusEvent:
		return h.dispatchStatus(c, eventType, e)
	}

	return ignored(c, eventType, "event not handled")
}

func (h *Handler) dispatchPR(c echo.Context, eventType, fullName string, number int) error {
	repoCfg, ok := h.cfg.Repo(fullName)
	if !ok {
		return ignored(c, eventType, "repository not configured")
	}
	if number <= 0 {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadPayload, "pull request number is missing"))
	}

	h.background(fmt.Sprintf("%s#%d", fullName, number), func(ctx context.Context) error {
		return h.runner.ProcessPR(ctx, repoCfg, number)
	})
	return accepted(c, eventType)
}

// dispatchStatus реагирует только на обязательные проверки; PR ищутся по веткам коммита
func (h *Handler) dispatchStatus(c echo.Context, eventType string, e *gh.StatusEvent) error {
	fullName := e.GetRepo().GetFullName()
	repoCfg, ok := h.cfg.Repo(fullName)
	if !ok {
		return ignored(c, eventType, "repository not configured")
	}
	if !repoCfg.IsRequiredStatus(e.GetContext()) {
		return ignored(c, eventType, "status is not required")
	}
	if len(e.Branches) == 0 {
		return ignored(c, eventType, "commit is not on any branch")
	}

	for _, branch := range e.Branches {
		name := branch.GetName()
		h.background(fullName+"@"+name, func(ctx context.Context) error {
			return h.runner.ProcessBranch(ctx, repoCfg, name)
		})
	}
	return accepted(c, eventType)
}

// ProcessRepo запускает полный проход по репозиторию
func (h *Handler) ProcessRepo(c echo.Context) error {
	fullName := c.Param("owner") + "/" + c.Param("name")
	h.logger.Info("ProcessRepo: начало обработки запроса", zap.String("repo", fullName))

	repoCfg, ok := h.cfg.Repo(fullName)
	if !ok {
		h.logger.Warn("ProcessRepo: репозиторий не настроен", zap.String("repo", fullName))
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "repository not configured"))
	}

	h.background(fullName, func(ctx context.Context) error {
		return h.runner.ProcessRepo(ctx, repoCfg)
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "repo": repoCfg.Name})
}

// ListDecisions возвращает последние записи журнала решений
func (h *Handler) ListDecisions(c echo.Context) error {
	if h.decisions == nil {
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeJournalDisabled, "decision journal is disabled"))
	}

	repo := c.QueryParam("repo")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.logger.Warn("ListDecisions: неверный limit", zap.String("limit", raw))
			return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "limit must be a positive integer"))
		}
		limit = n
	}

	decisions, err := h.decisions.ListDecisions(c.Request().Context(), repo, limit)
	if err != nil {
		h.logger.Error("ListDecisions: ошибка чтения журнала", zap.Error(err), zap.String("repo", repo))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to list decisions"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"repo":      repo,
		"decisions": decisions,
	})
}

// background выполняет проход с собственным таймаутом, не привязанным к запросу
func (h *Handler) background(name string, fn func(ctx context.Context) error) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()

		ctx := h.baseCtx
		if timeout := h.cfg.Server.ProcessTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := fn(ctx); err != nil {
			h.logger.Error("background processing failed", zap.String("target", name), zap.Error(err))
			return
		}
		h.logger.Debug("background processing finished", zap.String("target", name))
	}()
}

// Wait дожидается завершения фоновых проходов
func (h *Handler) Wait() {
	h.jobs.Wait()
}

// RegisterRoutes регистрирует все маршруты API
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// GitHub
	e.POST("/webhook", h.Webhook)

	// Операции
	e.POST("/repos/:owner/:name/process", h.ProcessRepo)
	e.GET("/decisions", h.ListDecisions)
}
