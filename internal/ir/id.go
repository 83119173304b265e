package ir

import "strings"

// GlobalID is the stable identifier of a source ContentObject.
//
// Two forms exist: "namespace.local" where both parts are hexadecimal
// (the local part may carry UUID dashes), and the legacy purely numeric
// form. GlobalID survives moves and renames of the object it names.
type GlobalID string

// Split returns the namespace and local parts. Legacy numeric identifiers
// have no namespace and report hasNamespace false.
func (g GlobalID) Split() (namespace, local string, hasNamespace bool) {
	s := string(g)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return "", s, false
}

// IsZero reports whether the identifier is empty. A zero parent means the
// object is a tenant root.
func (g GlobalID) IsZero() bool {
	return g == ""
}

// String implements fmt.Stringer.
func (g GlobalID) String() string {
	return string(g)
}
