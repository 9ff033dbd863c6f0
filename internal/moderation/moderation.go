// Package moderation screens generated output against a content policy,
// either incrementally during streaming or once at completion.
package moderation

import (
	"context"
	"strings"
)

// Outcome is the verdict of a single moderation check.
type Outcome string

const (
	// OutcomePass leaves the content untouched.
	OutcomePass Outcome = "pass"
	// OutcomeReplace substitutes a sanitized rendition of the content.
	OutcomeReplace Outcome = "replace"
	// OutcomeDirectOutput discards the content entirely in favor of a
	// preset response and halts generation.
	OutcomeDirectOutput Outcome = "direct_output"
)

// Result carries the verdict and, when content changes, its replacement.
type Result struct {
	Outcome Outcome
	Text    string
}

// Provider evaluates a piece of text against a policy.
type Provider interface {
	Check(ctx context.Context, text string) (Result, error)
}

// KeywordProvider flags text containing any configured keyword. Flagged
// content is sanitized by masking every keyword occurrence; when a preset
// response is configured the verdict escalates to direct output instead.
type KeywordProvider struct {
	keywords []string
	preset   string
}

// NewKeywordProvider builds a provider from a keyword list. Blank entries
// are dropped and matching is case-insensitive.
func NewKeywordProvider(keywords []string, preset string) *KeywordProvider {
	kept := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			kept = append(kept, kw)
		}
	}
	return &KeywordProvider{keywords: kept, preset: preset}
}

func (p *KeywordProvider) Check(_ context.Context, text string) (Result, error) {
	flagged := false
	lower := strings.ToLower(text)
	masked := text
	for _, kw := range p.keywords {
		kwLower := strings.ToLower(kw)
		idx := strings.Index(lower, kwLower)
		for idx >= 0 {
			flagged = true
			masked = masked[:idx] + strings.Repeat("*", len(kw)) + masked[idx+len(kw):]
			next := strings.Index(lower[idx+len(kw):], kwLower)
			if next < 0 {
				break
			}
			idx += len(kw) + next
		}
	}
	if !flagged {
		return Result{Outcome: OutcomePass}, nil
	}
	if p.preset != "" {
		return Result{Outcome: OutcomeDirectOutput, Text: p.preset}, nil
	}
	return Result{Outcome: OutcomeReplace, Text: masked}, nil
}

// NopProvider passes everything. It backs deployments with moderation
// disabled.
type NopProvider struct{}

func (NopProvider) Check(context.Context, string) (Result, error) {
	return Result{Outcome: OutcomePass}, nil
}
