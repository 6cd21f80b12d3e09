// models/models.go
package models

import (
	"fmt"
	"time"
)

// RepoRef идентифицирует репозиторий в формате owner/name
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// PRState состояние PR на платформе
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
)

// MergeableState вычисляемое платформой состояние готовности к слиянию.
// Пустое значение означает, что платформа еще не посчитала его.
type MergeableState string

const (
	MergeableUnknown  MergeableState = "unknown"
	MergeableClean    MergeableState = "clean"
	MergeableHasHooks MergeableState = "has_hooks"
	MergeableUnstable MergeableState = "unstable"
	MergeableDraft    MergeableState = "draft"
	MergeableBehind   MergeableState = "behind"
	MergeableDirty    MergeableState = "dirty"
	MergeableBlocked  MergeableState = "blocked"
)

// MergeMethod способ слияния PR
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// ParseMergeMethod разбирает способ слияния из конфигурации
func ParseMergeMethod(s string) (MergeMethod, error) {
	switch MergeMethod(s) {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
		return MergeMethod(s), nil
	case "":
		return MergeMethodMerge, nil
	}
	return "", fmt.Errorf("%w: unknown merge method %q", ErrConfiguration, s)
}

// PullRequest снимок PR, снятый один раз за проход анализа
type PullRequest struct {
	ID                   int64
	Number               int
	Author               string // стабильный идентификатор пользователя
	AuthorLogin          string
	Title                string
	Body                 string
	URL                  string
	HeadSHA              string
	HeadRef              string
	BaseRef              string
	Draft                bool
	State                PRState
	UpdatedAt            time.Time
	Labels               map[string]struct{}
	HasDescription       bool
	PendingReviewerCount int
	MergeableState       MergeableState
}

// HasLabel проверяет наличие метки на PR
func (pr *PullRequest) HasLabel(name string) bool {
	if name == "" {
		return false
	}
	_, ok := pr.Labels[name]
	return ok
}

// ReviewState состояние отдельного ревью
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewPending          ReviewState = "PENDING"
)

// Review одно событие ревью в хронологическом порядке
type Review struct {
	ReviewerID    string
	ReviewerLogin string
	State         ReviewState
}

// StatusState состояние проверки CI
type StatusState string

const (
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
	StatusError   StatusState = "error"
	StatusPending StatusState = "pending"
)

// Comment комментарий в обсуждении PR
type Comment struct {
	Author string
	Body   string
}
