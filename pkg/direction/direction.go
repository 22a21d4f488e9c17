// Package direction resolves which side spoke an utterance and which way to
// translate it, given the session's configured languages and the language
// the recognizer reported.
package direction

import (
	"strings"

	"github.com/parleyvoice/parley/pkg/wire"
)

// Decision is the routing outcome for one completed utterance.
type Decision struct {
	Side           wire.Side
	SourceLanguage string
	TargetLanguage string
}

// Resolve applies the matching rules in strict order: exact match against
// side A, exact against side B, prefix match against A then B, then the
// fallback. The fallback keeps the detected language as the source rather
// than forcing side A's configured language.
func Resolve(langA, langB, detected string) Decision {
	if detected == langA {
		return Decision{Side: wire.SideA, SourceLanguage: langA, TargetLanguage: langB}
	}
	if detected == langB {
		return Decision{Side: wire.SideB, SourceLanguage: langB, TargetLanguage: langA}
	}
	if hasTagPrefix(detected, langA) {
		return Decision{Side: wire.SideA, SourceLanguage: langA, TargetLanguage: langB}
	}
	if hasTagPrefix(detected, langB) {
		return Decision{Side: wire.SideB, SourceLanguage: langB, TargetLanguage: langA}
	}
	return Decision{Side: wire.SideA, SourceLanguage: detected, TargetLanguage: langB}
}

// ForSide maps a declared side (fixed_sides mode) to its configured
// source/target pair.
func ForSide(side wire.Side, langA, langB string) Decision {
	if side == wire.SideB {
		return Decision{Side: wire.SideB, SourceLanguage: langB, TargetLanguage: langA}
	}
	return Decision{Side: wire.SideA, SourceLanguage: langA, TargetLanguage: langB}
}

func hasTagPrefix(detected, tag string) bool {
	if tag == "" || detected == "" {
		return false
	}
	return strings.HasPrefix(detected, tag)
}
