package engine

import (
	"sort"
	"strconv"
	"strings"

	appErr "judgeflow/pkg/errors"
)

// DefaultMaxSourceBytes bounds a single submission's source.
const DefaultMaxSourceBytes = 64 * 1024

// Policy holds the caller-side admission rules for units.
type Policy struct {
	allowed        map[int]struct{}
	maxSourceBytes int
}

// NewPolicy builds a policy from the configured language ids.
func NewPolicy(languageIDs []int, maxSourceBytes int) Policy {
	if maxSourceBytes <= 0 {
		maxSourceBytes = DefaultMaxSourceBytes
	}
	allowed := make(map[int]struct{}, len(languageIDs))
	for _, id := range languageIDs {
		allowed[id] = struct{}{}
	}
	return Policy{allowed: allowed, maxSourceBytes: maxSourceBytes}
}

// MaxSourceBytes returns the configured limit.
func (p Policy) MaxSourceBytes() int {
	return p.maxSourceBytes
}

// LanguageAllowed reports whether languageID is on the allow-list.
func (p Policy) LanguageAllowed(languageID int) bool {
	_, ok := p.allowed[languageID]
	return ok
}

// Languages returns the allow-list in ascending order.
func (p Policy) Languages() []int {
	out := make([]int, 0, len(p.allowed))
	for id := range p.allowed {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Validate checks source and language before anything is sent anywhere.
func (p Policy) Validate(sourceCode string, languageID int) error {
	if !p.LanguageAllowed(languageID) {
		return appErr.Newf(appErr.LanguageNotSupported, "language id %d is not supported", languageID).
			WithDetail("allowed", p.languageList())
	}
	if sourceCode == "" {
		return appErr.ValidationError("source_code", "source code is empty")
	}
	if len(sourceCode) > p.maxSourceBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source code exceeds %d bytes", p.maxSourceBytes)
	}
	return nil
}

func (p Policy) languageList() string {
	ids := p.Languages()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
