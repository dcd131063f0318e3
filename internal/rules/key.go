package rules

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Key is the portal identity of a section. Two courses with equal keys are the same section
// regardless of their configured ids.
type Key struct {
	Name    string
	ClassNo string
	School  string
}

func (c Course) Key() Key {
	return Key{Name: fold(c.Name), ClassNo: fold(c.ClassNo), School: fold(c.School)}
}

func (k Key) String() string { return k.Name + "|" + k.ClassNo + "|" + k.School }

// fold canonicalizes a field: NFKC, narrow width, collapsed whitespace.
// Full-width parentheses and digits typed through a CJK input method compare equal to ASCII.
func fold(s string) string {
	s = norm.NFKC.String(s)
	s = width.Narrow.String(s)
	return strings.Join(strings.Fields(s), " ")
}
