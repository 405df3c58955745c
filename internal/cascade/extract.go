package cascade

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/stream"
)

// MaxSynthesizedLength bounds an answer built from a raw search document.
const MaxSynthesizedLength = 500

// ErrNoAnswer means a response carried neither an answer field nor a document.
var ErrNoAnswer = errors.New("cascade: no answer in response")

// Fields that may carry the generated answer, most specific first.
var answerPaths = []string{
	"answer.answerText",
	"answer",
	"groundedResponse",
	"summary.summaryText",
	"predictions.0.response",
	"text",
}

// The upstream wraps the answer as ANSWER: "<text>" with varying quoting.
// Patterns are tried in order.
var answerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)ANSWER:\s*\\"(.*?)\\"`),
	regexp.MustCompile(`(?s)ANSWER:\s*"((?:[^"\\]|\\.)*)"`),
	regexp.MustCompile(`(?s)ANSWER:\s*(.+)$`),
}

var documentRoots = []string{
	"results.0.document.structData",
	"results.0.document.derivedStructData",
	"results.0.document",
	"documents.0",
}

var looseUnescaper = strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\t`, "\t", `\\`, `\`)

// ExtractAnswer pulls a usable answer out of a query endpoint response. A
// marked answer wins, then the first returned document's title and
// description, then an unmarked answer field as is.
func ExtractAnswer(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", apperror.Newf(apperror.KindParse, "cascade: extract", "response is not JSON: %q", stream.Snippet(body))
	}

	var verbatim string
	for _, path := range answerPaths {
		r := gjson.GetBytes(body, path)
		if r.Type != gjson.String {
			continue
		}
		field := strings.TrimSpace(r.Str)
		if field == "" {
			continue
		}
		if text, ok := matchAnswer(field); ok {
			return text, nil
		}
		if verbatim == "" {
			verbatim = field
		}
	}
	if text, ok := synthesizeFromDocument(body); ok {
		return text, nil
	}
	if verbatim != "" {
		return verbatim, nil
	}
	return "", apperror.New(apperror.KindParse, "cascade: extract", ErrNoAnswer)
}

func matchAnswer(field string) (string, bool) {
	for _, re := range answerPatterns {
		m := re.FindStringSubmatch(field)
		if m == nil {
			continue
		}
		if text := strings.TrimSpace(unescape(m[1])); text != "" {
			return text, true
		}
	}
	return "", false
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return looseUnescaper.Replace(s)
}

func synthesizeFromDocument(body []byte) (string, bool) {
	for _, root := range documentRoots {
		doc := gjson.GetBytes(body, root)
		if !doc.IsObject() {
			continue
		}
		title := firstNonEmpty(doc, "title", "name")
		desc := firstNonEmpty(doc, "description", "snippet", "content")
		if title == "" && desc == "" {
			continue
		}
		parts := make([]string, 0, 2)
		for _, p := range []string{title, desc} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		return truncate(strings.Join(parts, "\n\n"), MaxSynthesizedLength), true
	}
	return "", false
}

func firstNonEmpty(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := doc.Get(k); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
