// Package identity maps source identifiers onto target identifiers.
//
// Every function here is pure: no state, no I/O. The same input always
// yields the same output, and distinct valid identifiers never collide.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/meshsync/internal/ir"
)

const (
	// UUIDLength is the width of a target UUID in hex characters.
	UUIDLength = 32

	namespaceWidth = 8
	localWidth     = UUIDLength - namespaceWidth
)

// ErrInvalidID is returned for identifiers outside both accepted forms.
var ErrInvalidID = errors.New("invalid global identifier")

// UUID maps a global identifier to a 32-character lowercase hex UUID.
//
// Namespaced form "ns.local": ns is 1-8 hex digits and not all zero, local
// is up to 24 hex digits after removing dashes. The output is ns left-padded
// to 8 digits followed by local left-padded to 24.
//
// Legacy form: up to 24 decimal digits, left-padded with zeros to 32. The
// first 8 digits of a legacy UUID are therefore always zero, which no
// namespaced UUID can produce, so the two forms never collide.
//
// Hex digits are case-insensitive and leading zeros are insignificant:
// "A.0f" and "a.f" name the same object.
func UUID(id ir.GlobalID) (string, error) {
	ns, local, namespaced := id.Split()
	if !namespaced {
		return legacyUUID(local)
	}

	ns = strings.ToLower(ns)
	local = strings.ToLower(strings.ReplaceAll(local, "-", ""))

	if err := checkHex(ns, namespaceWidth); err != nil {
		return "", fmt.Errorf("%w %q: namespace: %v", ErrInvalidID, id, err)
	}
	if strings.Trim(ns, "0") == "" {
		return "", fmt.Errorf("%w %q: namespace must not be zero", ErrInvalidID, id)
	}
	if err := checkHex(local, localWidth); err != nil {
		return "", fmt.Errorf("%w %q: local part: %v", ErrInvalidID, id, err)
	}

	return leftPad(ns, namespaceWidth) + leftPad(local, localWidth), nil
}

// MustUUID is like UUID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustUUID(id ir.GlobalID) string {
	u, err := UUID(id)
	if err != nil {
		panic(err)
	}
	return u
}

func legacyUUID(digits string) (string, error) {
	if digits == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidID)
	}
	if len(digits) > localWidth {
		return "", fmt.Errorf("%w %q: legacy identifier exceeds %d digits", ErrInvalidID, digits, localWidth)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w %q: legacy identifier must be numeric", ErrInvalidID, digits)
		}
	}
	return leftPad(digits, UUIDLength), nil
}

func checkHex(s string, width int) error {
	if s == "" {
		return errors.New("empty")
	}
	if len(s) > width {
		return fmt.Errorf("exceeds %d hex digits", width)
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return fmt.Errorf("non-hex character %q", r)
		}
	}
	return nil
}

func leftPad(s string, width int) string {
	return strings.Repeat("0", width-len(s)) + s
}

// BranchName is the target branch name for a version label. The unlabeled
// branch carries the project's own name.
func BranchName(project, version string) string {
	if version == "" {
		return project
	}
	return project + "_" + version
}

// ProjectName derives a target project name from a tenant display name:
// diacritics are folded, runs of whitespace and path separators become a
// single dash, and characters outside [A-Za-z0-9._-] are dropped.
func ProjectName(displayName string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, displayName)
	if err != nil {
		folded = displayName
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_'):
			b.WriteRune(r)
			dash = false
		case unicode.IsSpace(r) || r == '/' || r == '-':
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
