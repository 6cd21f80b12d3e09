package github

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	gh "github.com/google/go-github/v71/github"

	"github.com/untibullet/pr-automerge/internal/models"
)

// classify оборачивает ошибку API; сетевые сбои, rate limit и 5xx помечаются как временные
func classify(err error, op string) error {
	if isTransient(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, models.ErrTransientPlatform, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isTransient(err error) bool {
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
		netErr   net.Error
	)

	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return true
	case errors.As(err, &respErr):
		return respErr.Response != nil && respErr.Response.StatusCode >= http.StatusInternalServerError
	case errors.As(err, &netErr):
		return true
	}
	return false
}
