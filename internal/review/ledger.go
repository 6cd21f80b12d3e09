// Package review сворачивает историю ревью в итоговый вердикт по каждому ревьюеру.
package review

import (
	"sort"

	"github.com/untibullet/pr-automerge/internal/models"
)

// Status значимый вердикт ревьюера
type Status int

const (
	StatusApproved Status = iota + 1
	StatusChangeRequested
)

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusChangeRequested:
		return "change_requested"
	}
	return "no_opinion"
}

// CommentEffect как трактовать ревью-комментарий
type CommentEffect int

const (
	CommentIgnore CommentEffect = iota
	CommentRequestsChange
)

// Approval обязательность одобрения
type Approval int

const (
	ApprovalRequired Approval = iota
	ApprovalOptional
)

type entry struct {
	login  string
	status Status
}

// Ledger последний значимый вердикт каждого ревьюера, кроме автора PR
type Ledger struct {
	author        string
	commentEffect CommentEffect
	byReviewer    map[string]entry
}

// New создает пустой ledger для PR указанного автора
func New(author string, commentEffect CommentEffect) *Ledger {
	return &Ledger{
		author:        author,
		commentEffect: commentEffect,
		byReviewer:    make(map[string]entry),
	}
}

// Record сворачивает ревью в порядке их отправки
func Record(author string, commentEffect CommentEffect, reviews []models.Review) *Ledger {
	l := New(author, commentEffect)
	for _, r := range reviews {
		l.Add(r)
	}
	return l
}

// Add учитывает одно ревью. Approved и ChangesRequested перезаписывают прежний вердикт.
func (l *Ledger) Add(r models.Review) {
	if r.ReviewerID == l.author {
		return
	}

	var status Status
	switch r.State {
	case models.ReviewApproved:
		status = StatusApproved
	case models.ReviewChangesRequested:
		status = StatusChangeRequested
	case models.ReviewCommented:
		if l.commentEffect != CommentRequestsChange {
			return
		}
		// комментарий после собственного одобрения не считается откатом
		if prev, ok := l.byReviewer[r.ReviewerID]; ok && prev.status == StatusApproved {
			return
		}
		status = StatusChangeRequested
	default:
		return
	}

	l.byReviewer[r.ReviewerID] = entry{login: r.ReviewerLogin, status: status}
}

// Verdict возвращает вердикт ревьюера; ok=false означает "нет мнения"
func (l *Ledger) Verdict(reviewerID string) (Status, bool) {
	e, ok := l.byReviewer[reviewerID]
	return e.status, ok
}

// Len число ревьюеров со значимым вердиктом
func (l *Ledger) Len() int {
	return len(l.byReviewer)
}

// Approved одно висящее ChangeRequested блокирует независимо от остальных одобрений
func (l *Ledger) Approved(approval Approval) bool {
	approved := approval == ApprovalOptional
	for _, e := range l.byReviewer {
		switch e.status {
		case StatusChangeRequested:
			return false
		case StatusApproved:
			approved = true
		}
	}
	return approved
}

// MissingApprovalsFromUsers логины ревьюеров, чей последний вердикт не одобряющий
func (l *Ledger) MissingApprovalsFromUsers() []string {
	var users []string
	for id, e := range l.byReviewer {
		if e.status == StatusApproved {
			continue
		}
		name := e.login
		if name == "" {
			name = id
		}
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}
