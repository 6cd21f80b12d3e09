package analyzer

import (
	"sort"
	"strings"
)

// ReasonKind причина, по которой слияние сейчас удерживается
type ReasonKind int

const (
	ReasonDraftPR ReasonKind = iota + 1
	ReasonClosedPR
	ReasonInactivePR
	ReasonMissingReviews
	ReasonMissingReviewApproval
	ReasonCINotPassing
	ReasonMissingDescription
	ReasonBlockedByLabel
	ReasonInsideGracePeriod
)

var reasonNames = map[ReasonKind]string{
	ReasonDraftPR:               "draft_pr",
	ReasonClosedPR:              "closed_pr",
	ReasonInactivePR:            "inactive_pr",
	ReasonMissingReviews:        "missing_reviews",
	ReasonMissingReviewApproval: "missing_review_approval",
	ReasonCINotPassing:          "ci_not_passing",
	ReasonMissingDescription:    "missing_description",
	ReasonBlockedByLabel:        "blocked_by_label",
	ReasonInsideGracePeriod:     "inside_grace_period",
}

func (k ReasonKind) String() string {
	if name, ok := reasonNames[k]; ok {
		return name
	}
	return "unknown"
}

// Terminal draft, closed и неактивные PR завершают проход без изменений
func (k ReasonKind) Terminal() bool {
	return k == ReasonDraftPR || k == ReasonClosedPR || k == ReasonInactivePR
}

type labelSlot int

const (
	slotNone labelSlot = iota
	slotReviewed
	slotCIPassed
	slotNeedsDescription
)

type reasonEffect struct {
	slot labelSlot
	// наличие метки слота, когда причина присутствует; без причины - противоположное
	labelWhenPresent bool
	sentence         string
	vetoesMerge      bool
}

// reasonEffects таблица: причина -> (метка, фраза для комментария, запрет слияния).
// Пустая фраза означает, что причина не упоминается в объяснении.
var reasonEffects = map[ReasonKind]reasonEffect{
	ReasonDraftPR: {
		sentence:    "The pull request is a draft.",
		vetoesMerge: true,
	},
	ReasonClosedPR: {
		sentence:    "The pull request is closed.",
		vetoesMerge: true,
	},
	ReasonInactivePR: {
		vetoesMerge: true,
	},
	ReasonMissingReviews: {
		slot:        slotReviewed,
		sentence:    "Requested reviewers have not submitted their reviews yet.",
		vetoesMerge: true,
	},
	ReasonMissingReviewApproval: {
		slot:        slotReviewed,
		sentence:    "The pull request has not been approved.",
		vetoesMerge: true,
	},
	ReasonCINotPassing: {
		slot:        slotCIPassed,
		sentence:    "Required status checks have not all passed.",
		vetoesMerge: true,
	},
	ReasonMissingDescription: {
		slot:             slotNeedsDescription,
		labelWhenPresent: true,
		sentence:         "The pull request needs a description.",
		vetoesMerge:      true,
	},
	ReasonBlockedByLabel: {
		sentence:    "The pull request carries the label that blocks merging.",
		vetoesMerge: true,
	},
	ReasonInsideGracePeriod: {
		sentence:    "The pull request was updated recently and is inside the grace period.",
		vetoesMerge: true,
	},
}

// BlockReason одна причина блокировки; FromUsers заполняется для MissingReviewApproval
type BlockReason struct {
	Kind      ReasonKind
	FromUsers []string
}

// Sentence человекочитаемое объяснение причины
func (r BlockReason) Sentence() string {
	s := reasonEffects[r.Kind].sentence
	if s == "" || r.Kind != ReasonMissingReviewApproval || len(r.FromUsers) == 0 {
		return s
	}
	return strings.TrimSuffix(s, ".") + ", waiting on: " + strings.Join(r.FromUsers, ", ") + "."
}

// BlockReasons множество причин, не более одной каждого вида
type BlockReasons map[ReasonKind]BlockReason

func (r BlockReasons) Add(reason BlockReason) {
	r[reason.Kind] = reason
}

func (r BlockReasons) Has(kind ReasonKind) bool {
	_, ok := r[kind]
	return ok
}

// VetoesMerge любая причина с флагом запрета блокирует слияние
func (r BlockReasons) VetoesMerge() bool {
	for kind := range r {
		if reasonEffects[kind].vetoesMerge {
			return true
		}
	}
	return false
}

// Sorted причины в фиксированном порядке
func (r BlockReasons) Sorted() []BlockReason {
	out := make([]BlockReason, 0, len(r))
	for _, reason := range r {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Strings имена причин для логов и журнала
func (r BlockReasons) Strings() []string {
	sorted := r.Sorted()
	out := make([]string, len(sorted))
	for i, reason := range sorted {
		out[i] = reason.Kind.String()
	}
	return out
}

// labelPresence вычисляет наличие метки слота: метка присутствует, если ни одна
// причина этого слота не требует обратного
func (r BlockReasons) labelPresence(slot labelSlot) bool {
	present := true
	if slot == slotNeedsDescription {
		present = false
	}
	for kind := range r {
		eff := reasonEffects[kind]
		if eff.slot == slot {
			return eff.labelWhenPresent
		}
	}
	return present
}

// explain собирает ответ на упоминание бота
func explain(reasons BlockReasons) string {
	var lines []string
	for _, reason := range reasons.Sorted() {
		if s := reason.Sentence(); s != "" {
			lines = append(lines, "- "+s)
		}
	}
	if len(lines) == 0 {
		return "Nothing is blocking this pull request, it is queued for merge."
	}
	return "This pull request can't be merged yet:\n\n" + strings.Join(lines, "\n")
}
