// Package admission decides whether a submitted target may enter the queue
// based on the administrative stop list.
package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/jobqueue/internal/settings"
)

// Rule identifies which stop-list section produced a rejection.
type Rule string

// Stop-list rules in evaluation order.
const (
	RuleNone    Rule = ""
	RuleCompany Rule = "company"
	RuleDomain  Rule = "domain"
	RuleKeyword Rule = "keyword"
)

// Decision is the outcome of evaluating a submission.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    Rule   `json:"rule,omitempty"`
	Match   string `json:"match,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the decision for a submission that matched nothing.
var Allow = Decision{Allowed: true}

func reject(rule Rule, entry string) Decision {
	return Decision{
		Rule:   rule,
		Match:  entry,
		Reason: fmt.Sprintf("excluded %s: %s", rule, entry),
	}
}

// Evaluate checks target and companyName against list. The first matching
// rule wins: company name, then domain, then keyword. Matching is
// case-insensitive substring containment. An empty company name skips the
// company rule; blank entries never match.
func Evaluate(target, companyName string, list settings.StopList) Decision {
	if company := strings.ToLower(strings.TrimSpace(companyName)); company != "" {
		if entry, ok := firstContained(company, list.ExcludedCompanies); ok {
			return reject(RuleCompany, entry)
		}
	}
	lowered := strings.ToLower(target)
	if entry, ok := firstContained(lowered, list.ExcludedDomains); ok {
		return reject(RuleDomain, entry)
	}
	if entry, ok := firstContained(lowered, list.ExcludedKeywords); ok {
		return reject(RuleKeyword, entry)
	}
	return Allow
}

func firstContained(haystack string, entries []string) (string, bool) {
	for _, entry := range entries {
		needle := strings.ToLower(strings.TrimSpace(entry))
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, needle) {
			return entry, true
		}
	}
	return "", false
}

// StopListSource provides the current stop list.
type StopListSource interface {
	StopList(ctx context.Context) (settings.StopList, error)
}

// Filter evaluates submissions against a live stop list.
type Filter struct {
	source StopListSource
}

// NewFilter builds a Filter reading from source.
func NewFilter(source StopListSource) *Filter {
	return &Filter{source: source}
}

// Check reads the stop list once and evaluates the submission against it.
func (f *Filter) Check(ctx context.Context, target, companyName string) (Decision, error) {
	return f.CheckTargets(ctx, companyName, target)
}

// CheckTargets evaluates every spelling of one submission against a single
// read of the stop list. The first rejection wins.
func (f *Filter) CheckTargets(ctx context.Context, companyName string, targets ...string) (Decision, error) {
	list, err := f.source.StopList(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read stop list: %w", err)
	}
	for i, target := range targets {
		if i > 0 && target == targets[i-1] {
			continue
		}
		if d := Evaluate(target, companyName, list); !d.Allowed {
			return d, nil
		}
	}
	return Allow, nil
}
