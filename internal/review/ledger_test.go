package review

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/untibullet/pr-automerge/internal/models"
)

func rv(id string, state models.ReviewState) models.Review {
	return models.Review{ReviewerID: id, ReviewerLogin: "login-" + id, State: state}
}

func TestLedger_Empty(t *testing.T) {
	l := New("author", CommentIgnore)
	assert.False(t, l.Approved(ApprovalRequired))
	assert.True(t, l.Approved(ApprovalOptional))
	assert.Empty(t, l.MissingApprovalsFromUsers())
}

func TestLedger_Commented(t *testing.T) {
	l := Record("author", CommentIgnore, []models.Review{rv("a", models.ReviewCommented)})
	assert.False(t, l.Approved(ApprovalRequired))
	assert.True(t, l.Approved(ApprovalOptional))
	assert.Equal(t, 0, l.Len())

	l = Record("author", CommentRequestsChange, []models.Review{rv("a", models.ReviewCommented)})
	assert.False(t, l.Approved(ApprovalRequired))
	assert.False(t, l.Approved(ApprovalOptional))

	// комментарий автора к своему PR ни на что не влияет
	l = Record("author", CommentRequestsChange, []models.Review{rv("author", models.ReviewCommented)})
	assert.False(t, l.Approved(ApprovalRequired))
	assert.True(t, l.Approved(ApprovalOptional))
}

func TestLedger_Sequences(t *testing.T) {
	testCases := []struct {
		name     string
		effect   CommentEffect
		reviews  []models.Review
		required bool
		optional bool
	}{
		{"approve", CommentIgnore, []models.Review{rv("a", models.ReviewApproved)}, true, true},
		{"disapprove", CommentIgnore, []models.Review{rv("a", models.ReviewChangesRequested)}, false, false},
		{"disapprove then approve", CommentIgnore, []models.Review{
			rv("a", models.ReviewChangesRequested), rv("a", models.ReviewApproved),
		}, true, true},
		{"approve then disapprove", CommentIgnore, []models.Review{
			rv("a", models.ReviewApproved), rv("a", models.ReviewChangesRequested),
		}, false, false},
		{"disapprove then comment", CommentIgnore, []models.Review{
			rv("a", models.ReviewChangesRequested), rv("a", models.ReviewCommented),
		}, false, false},
		{"disapprove then comment requests change", CommentRequestsChange, []models.Review{
			rv("a", models.ReviewChangesRequested), rv("a", models.ReviewCommented),
		}, false, false},
		{"approve then comment", CommentIgnore, []models.Review{
			rv("a", models.ReviewApproved), rv("a", models.ReviewCommented),
		}, true, true},
		{"approve then comment requests change", CommentRequestsChange, []models.Review{
			rv("a", models.ReviewApproved), rv("a", models.ReviewCommented),
		}, true, true},
		{"approve and other disapproves", CommentIgnore, []models.Review{
			rv("a", models.ReviewApproved), rv("b", models.ReviewChangesRequested),
		}, false, false},
		{"disapprove before other approves", CommentIgnore, []models.Review{
			rv("d", models.ReviewChangesRequested), rv("c", models.ReviewApproved),
		}, false, false},
		{"pending ignored", CommentIgnore, []models.Review{
			rv("a", models.ReviewApproved), rv("a", models.ReviewPending),
		}, true, true},
		{"self approval ignored", CommentIgnore, []models.Review{rv("author", models.ReviewApproved)}, false, true},
		{"self rejection ignored", CommentIgnore, []models.Review{
			rv("author", models.ReviewChangesRequested), rv("a", models.ReviewApproved),
		}, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := Record("author", tc.effect, tc.reviews)
			assert.Equal(t, tc.required, l.Approved(ApprovalRequired))
			assert.Equal(t, tc.optional, l.Approved(ApprovalOptional))
		})
	}
}

func TestLedger_OneEntryPerReviewerLatestWins(t *testing.T) {
	l := Record("author", CommentRequestsChange, []models.Review{
		rv("a", models.ReviewApproved),
		rv("b", models.ReviewCommented),
		rv("a", models.ReviewChangesRequested),
		rv("b", models.ReviewApproved),
		rv("a", models.ReviewPending),
	})

	assert.Equal(t, 2, l.Len())

	status, ok := l.Verdict("a")
	assert.True(t, ok)
	assert.Equal(t, StatusChangeRequested, status)

	status, ok = l.Verdict("b")
	assert.True(t, ok)
	assert.Equal(t, StatusApproved, status)

	_, ok = l.Verdict("author")
	assert.False(t, ok)
}

func TestLedger_MissingApprovalsFromUsers(t *testing.T) {
	l := Record("author", CommentIgnore, []models.Review{
		rv("z", models.ReviewChangesRequested),
		rv("a", models.ReviewApproved),
		rv("m", models.ReviewChangesRequested),
	})

	assert.Equal(t, []string{"login-m", "login-z"}, l.MissingApprovalsFromUsers())
}
