// Package sanitize normalizes user queries and screens them for prompt
// injection before they reach retrieval or the answer model.
package sanitize

import (
	"html"
	"log"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/mohammad-safakhou/recall/internal/fault"
)

// injectionPatterns are lowercase substrings that indicate an attempt to
// override the model's instructions.
var injectionPatterns = []string{
	"ignore previous",
	"ignore above",
	"ignore all previous",
	"disregard previous",
	"forget previous",
	"system:",
	"assistant:",
	"user:",
	"[system]",
	"[assistant]",
	"[user]",
	"new instructions",
	"new directive",
	"override instructions",
	"bypass instructions",
	"pretend you are",
	"act as if",
	"roleplay as",
	"you are now",
	"from now on",
	"reveal all",
	"show all messages",
	"dump all",
	"list everything",
	"output everything",
	"print all",
	"display all data",
}

// exfiltrationPatterns indicate attempts to route indexed data somewhere else.
var exfiltrationPatterns = []string{
	"send to url",
	"post to http",
	"webhook",
	"curl",
	"fetch(",
	"axios",
	"xmlhttprequest",
	"external api",
	"send email",
	"base64 encode",
	"encode all",
}

var (
	plainPolicyOnce sync.Once
	plainPolicy     *bluemonday.Policy

	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	specialChars = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

	securityLog = log.New(log.Writer(), "[SECURITY] ", log.LstdFlags)
)

// PlainTextPolicy returns a singleton bluemonday policy that strips every HTML
// element and attribute, leaving plain text.
func PlainTextPolicy() *bluemonday.Policy {
	plainPolicyOnce.Do(func() {
		plainPolicy = bluemonday.StrictPolicy()
	})
	return plainPolicy
}

// Result is the outcome of cleaning one query.
type Result struct {
	Query string
	Flags []string
}

// Suspicious reports whether the sanitizer classified the query as an
// injection attempt.
func (r Result) Suspicious() bool { return len(r.Flags) > 0 }

// Clean trims, strips markup and control characters, applies NFKC
// normalization, enforces the length bound and screens the query for
// injection. Over-length input fails with InvalidQuery; a detection fails with
// SuspiciousQuery while still returning the classification in the Result.
func Clean(raw string, maxLen int) (Result, error) {
	q := strings.TrimSpace(raw)
	if q == "" {
		return Result{}, fault.New(fault.InvalidQuery, "query is empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(q) > maxLen {
		return Result{}, fault.Errorf(fault.InvalidQuery, "query exceeds %d characters", maxLen)
	}

	q = html.UnescapeString(PlainTextPolicy().Sanitize(q))
	q = controlChars.ReplaceAllString(q, "")
	q = norm.NFKC.String(q)
	q = strings.TrimSpace(q)
	if q == "" {
		return Result{}, fault.New(fault.InvalidQuery, "query is empty after normalization")
	}

	res := Result{Query: q}
	if c := Detect(q); c != "" {
		res.Flags = append(res.Flags, c)
		securityLog.Printf("injection attempt flagged (%s): %q", c, firstN(q, 80))
		return res, fault.Errorf(fault.SuspiciousQuery, "query flagged: %s", c)
	}
	return res, nil
}

// Detect returns the first matched injection classification, or "" when the
// query looks clean. Exfiltration matches are prefixed "exfiltration:".
func Detect(query string) string {
	lower := strings.ToLower(query)

	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			return p
		}
	}
	for _, p := range exfiltrationPatterns {
		if strings.Contains(lower, p) {
			return "exfiltration:" + p
		}
	}
	if hasRepeatedRun(query, 51) {
		return "repeated_chars"
	}
	ratio := float64(len(specialChars.FindAllString(query, -1))) / float64(max(utf8.RuneCountInString(query), 1))
	if ratio > 0.5 {
		return "excessive_special_chars"
	}
	return ""
}

// hasRepeatedRun reports whether query contains a run of at least n identical
// runes. Go's regexp has no backreferences, so the scan is manual.
func hasRepeatedRun(query string, n int) bool {
	var prev rune
	run := 0
	for _, r := range query {
		if r == prev {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func firstN(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
