// Package verifier evaluates assertion checks against extracted content and
// decides whether a tier's output counts as the requested page. Severity and
// retryability drive the executor's escalation.
package verifier

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/skimmerhq/skimmer/internal/jsonwalk"
)

// Severity grades a failed check.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Assertion carries the supported check predicates. Exactly one predicate
// group should be set per check.
type Assertion struct {
	FieldExists  []string      `json:"fieldExists,omitempty" yaml:"fieldExists,omitempty"`
	FieldMatches *FieldMatcher `json:"fieldMatches,omitempty" yaml:"fieldMatches,omitempty"`
	MinLength    int           `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	ExcludesText string        `json:"excludesText,omitempty" yaml:"excludesText,omitempty"`
}

// FieldMatcher asserts a field's value against a regex.
type FieldMatcher struct {
	Field string `json:"field" yaml:"field"`
	Regex string `json:"regex" yaml:"regex"`
}

// Check is one verification rule.
type Check struct {
	Type      string    `json:"type" yaml:"type"` // always "content"
	Assertion Assertion `json:"assertion" yaml:"assertion"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	Retryable bool      `json:"retryable" yaml:"retryable"`
}

// Content is the extracted page the checks run against. Fields holds any
// structured values pulled by pattern invocation or selectors.
type Content struct {
	Title  string
	Text   string
	Fields map[string]any
}

// CheckError describes one failed check.
type CheckError struct {
	Check    Check    `json:"check"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the verifier's verdict.
type Result struct {
	Passed        bool         `json:"passed"`
	Errors        []CheckError `json:"errors,omitempty"`
	Confidence    float64      `json:"confidence"`
	CheckedFields []string     `json:"checkedFields,omitempty"`
	MissingFields []string     `json:"missingFields,omitempty"`
}

// HasRetryableCritical reports whether escalation to the next tier could
// repair the failure.
func (r *Result) HasRetryableCritical() bool {
	for _, e := range r.Errors {
		if e.Severity == SeverityCritical && e.Check.Retryable {
			return true
		}
	}
	return false
}

// HasBlocking reports whether any failed check should fail the fetch once
// tiers are exhausted. Warnings never block.
func (r *Result) HasBlocking() bool {
	for _, e := range r.Errors {
		if e.Severity != SeverityWarning {
			return true
		}
	}
	return false
}

// Verifier evaluates check bundles. Stateless apart from a regex cache.
type Verifier struct {
	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// New creates a verifier.
func New() *Verifier {
	return &Verifier{regexps: make(map[string]*regexp.Regexp)}
}

// Verify runs every check against the content. Confidence is the fraction of
// checks that passed; zero checks verify trivially with confidence 1.
func (v *Verifier) Verify(content Content, checks []Check) *Result {
	res := &Result{Passed: true, Confidence: 1}
	if len(checks) == 0 {
		return res
	}

	passed := 0
	for _, check := range checks {
		errs, checked, missing := v.evaluate(content, check)
		res.CheckedFields = append(res.CheckedFields, checked...)
		res.MissingFields = append(res.MissingFields, missing...)
		if len(errs) == 0 {
			passed++
			continue
		}
		res.Errors = append(res.Errors, errs...)
	}

	res.Confidence = float64(passed) / float64(len(checks))
	for _, e := range res.Errors {
		if e.Severity != SeverityWarning {
			res.Passed = false
			break
		}
	}
	return res
}

func (v *Verifier) evaluate(content Content, check Check) (errs []CheckError, checked, missing []string) {
	a := check.Assertion

	fail := func(format string, args ...any) {
		errs = append(errs, CheckError{
			Check:    check,
			Message:  fmt.Sprintf(format, args...),
			Severity: check.Severity,
		})
	}

	for _, field := range a.FieldExists {
		checked = append(checked, field)
		if !v.fieldPresent(content, field) {
			missing = append(missing, field)
			fail("required field %q is missing", field)
		}
	}

	if m := a.FieldMatches; m != nil {
		checked = append(checked, m.Field)
		re, err := v.compile(m.Regex)
		if err != nil {
			fail("invalid regex %q: %v", m.Regex, err)
		} else {
			value, ok := v.fieldValue(content, m.Field)
			if !ok {
				missing = append(missing, m.Field)
				fail("field %q missing for match %q", m.Field, m.Regex)
			} else if !re.MatchString(value) {
				fail("field %q does not match %q", m.Field, m.Regex)
			}
		}
	}

	if a.MinLength > 0 && len(content.Text) < a.MinLength {
		fail("content length %d below minimum %d", len(content.Text), a.MinLength)
	}

	if a.ExcludesText != "" &&
		strings.Contains(strings.ToLower(content.Text), strings.ToLower(a.ExcludesText)) {
		fail("content contains excluded text %q", a.ExcludesText)
	}

	return errs, checked, missing
}

// fieldPresent treats "title" and "text" as built-in fields, everything else
// as a dotted path into the structured fields. Existence does not require a
// scalar: an object- or array-valued field counts as present.
func (v *Verifier) fieldPresent(content Content, field string) bool {
	switch field {
	case "title":
		return content.Title != ""
	case "text", "content", "body":
		return content.Text != ""
	}
	if content.Fields == nil {
		return false
	}
	_, ok := jsonwalk.Walk(map[string]any(content.Fields), field)
	return ok
}

// fieldValue resolves a field to its scalar string form for regex matching.
func (v *Verifier) fieldValue(content Content, field string) (string, bool) {
	switch field {
	case "title":
		return content.Title, content.Title != ""
	case "text", "content", "body":
		return content.Text, content.Text != ""
	}
	if content.Fields == nil {
		return "", false
	}
	return jsonwalk.WalkString(map[string]any(content.Fields), field)
}

func (v *Verifier) compile(expr string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.regexps[expr]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.regexps[expr] = re
	v.mu.Unlock()
	return re, nil
}
