package analyzer

import "sort"

// Actions результат анализа: изменения меток, слияние и комментарии
type Actions struct {
	Merge        bool
	AddLabels    map[string]struct{}
	RemoveLabels map[string]struct{}
	PostComments []string
}

// Noop ничего не менять и не сливать
func Noop() Actions {
	return Actions{
		AddLabels:    make(map[string]struct{}),
		RemoveLabels: make(map[string]struct{}),
	}
}

func (a *Actions) SetMerge(merge bool) *Actions {
	a.Merge = merge
	return a
}

// SetLabel требует наличия или отсутствия метки; пустое имя игнорируется
func (a *Actions) SetLabel(name string, present bool) *Actions {
	if name == "" {
		return a
	}
	if present {
		delete(a.RemoveLabels, name)
		a.AddLabels[name] = struct{}{}
	} else {
		delete(a.AddLabels, name)
		a.RemoveLabels[name] = struct{}{}
	}
	return a
}

func (a *Actions) AddComment(body string) *Actions {
	a.PostComments = append(a.PostComments, body)
	return a
}

// IsNoop нет ни одного действия
func (a Actions) IsNoop() bool {
	return !a.Merge && len(a.AddLabels) == 0 && len(a.RemoveLabels) == 0 && len(a.PostComments) == 0
}

func (a Actions) AddList() []string {
	return sortedKeys(a.AddLabels)
}

func (a Actions) RemoveList() []string {
	return sortedKeys(a.RemoveLabels)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
