package compose

import (
	"slices"
	"strings"
)

// FilterMode is decided by the first token of a name filter.
type FilterMode int

const (
	// FilterAll applies no filtering.
	FilterAll FilterMode = iota
	// FilterWhitelist keeps only the named candidates.
	FilterWhitelist
	// FilterBlacklist removes the named candidates.
	FilterBlacklist
)

func (m FilterMode) String() string {
	switch m {
	case FilterWhitelist:
		return "whitelist"
	case FilterBlacklist:
		return "blacklist"
	default:
		return "all"
	}
}

// Filter is a parsed micronode name filter.
type Filter struct {
	Mode  FilterMode
	Names []string
}

// Tokenize splits a filter string on whitespace, commas and pipes.
// Leading '+' and '-' signs stay part of their token; empty tokens are
// dropped.
func Tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// ParseFilter parses a name filter.
//
// The sign of the first token decides the mode for the whole string. An
// unsigned or '+' first token makes a whitelist built from every token not
// prefixed with '-'. A '-' first token makes a blacklist built only from
// the '-' tokens. Tokens of the other polarity are ignored, as are bare
// signs with no name.
func ParseFilter(s string) Filter {
	tokens := Tokenize(s)
	if len(tokens) == 0 {
		return Filter{Mode: FilterAll}
	}

	f := Filter{Mode: FilterWhitelist}
	if strings.HasPrefix(tokens[0], "-") {
		f.Mode = FilterBlacklist
	}

	for _, tok := range tokens {
		negative := strings.HasPrefix(tok, "-")
		if negative != (f.Mode == FilterBlacklist) {
			continue
		}
		name := strings.TrimLeft(tok, "+-")
		if name == "" || slices.Contains(f.Names, name) {
			continue
		}
		f.Names = append(f.Names, name)
	}
	return f
}

// Apply filters candidates, preserving their order.
func (f Filter) Apply(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if f.Allows(c) {
			out = append(out, c)
		}
	}
	return out
}

// Allows reports whether one candidate name passes the filter.
func (f Filter) Allows(name string) bool {
	switch f.Mode {
	case FilterWhitelist:
		return slices.Contains(f.Names, name)
	case FilterBlacklist:
		return !slices.Contains(f.Names, name)
	default:
		return true
	}
}
