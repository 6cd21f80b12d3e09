package merge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/untibullet/pr-automerge/internal/models"
)

const (
	commentOpen  = "<!--"
	commentClose = "-->"
)

var inlineSpaces = regexp.MustCompile(`[ \t]+`)

// RemoveHTMLComments вырезает из текста HTML-комментарии <!-- ... -->.
// Незакрытый комментарий отрезается до конца текста, вложенный <!-- внутри
// комментария возвращает исходный текст без изменений.
func RemoveHTMLComments(text string) string {
	var b strings.Builder
	rest := text

	for {
		start := strings.Index(rest, commentOpen)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])

		inner := rest[start+len(commentOpen):]
		end := strings.Index(inner, commentClose)
		if end < 0 {
			break
		}
		if strings.Contains(inner[:end], commentOpen) {
			return text
		}
		rest = inner[end+len(commentClose):]
	}

	return normalizeWhitespace(b.String())
}

// normalizeWhitespace схлопывает пробелы внутри строк и подряд идущие пустые строки
func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false

	for _, line := range lines {
		line = strings.TrimRight(inlineSpaces.ReplaceAllString(line, " "), " \r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// CommitTitle заголовок коммита слияния
func CommitTitle(pr *models.PullRequest) string {
	return fmt.Sprintf("%s (#%d)", pr.Title, pr.Number)
}

// CommitMessage тело коммита: очищенное описание PR и ссылка на него
func CommitMessage(pr *models.PullRequest) string {
	body := RemoveHTMLComments(pr.Body)
	if body == "" {
		return pr.URL
	}
	return body + "\n\n" + pr.URL
}
