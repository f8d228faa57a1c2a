// Package moderation screens user-authored text before it is stored.
package moderation

import (
	"context"
	"strings"
	"unicode"
)

// Checker decides whether text may be sent.
type Checker interface {
	CheckContent(ctx context.Context, text string) (allowed bool, err error)
}

// AllowAll accepts everything.
type AllowAll struct{}

func (AllowAll) CheckContent(context.Context, string) (bool, error) { return true, nil }

// Blocklist rejects text containing any configured term as a whole word,
// ignoring case.
type Blocklist struct {
	terms map[string]struct{}
}

// NewBlocklist builds a Blocklist from terms. Empty terms are ignored.
func NewBlocklist(terms []string) *Blocklist {
	b := &Blocklist{terms: make(map[string]struct{}, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			b.terms[t] = struct{}{}
		}
	}
	return b
}

func (b *Blocklist) CheckContent(ctx context.Context, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if _, bad := b.terms[w]; bad {
			return false, nil
		}
	}
	return true, nil
}

// New returns a Blocklist when terms are configured and AllowAll otherwise.
func New(terms []string) Checker {
	if len(terms) == 0 {
		return AllowAll{}
	}
	return NewBlocklist(terms)
}
