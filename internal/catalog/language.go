// SPDX-License-Identifier: MIT

package catalog

import (
	"golang.org/x/text/language"

	"github.com/dalstonhq/dalston/internal/model"
)

// languageMatch reports whether the engine can serve the requested language
// and whether the match is explicit (declared in the engine's list) rather
// than via the wildcard. "auto" and "" match every engine.
func languageMatch(e model.EngineDescriptor, requested string) (explicit, ok bool) {
	if requested == "" || requested == "auto" {
		return false, true
	}

	want, err := language.Parse(requested)
	if err != nil {
		// Unknown codes can still ride a wildcard engine.
		return false, e.Wildcard()
	}
	wantBase, _ := want.Base()

	for _, decl := range e.Languages {
		if decl == model.LanguageWildcard {
			continue
		}
		got, err := language.Parse(decl)
		if err != nil {
			continue
		}
		if got == want {
			return true, true
		}
		// "en" covers "en-US" and vice versa.
		if gotBase, conf := got.Base(); conf >= language.High {
			if gotBase == wantBase {
				return true, true
			}
		}
	}
	if e.Wildcard() {
		return false, true
	}
	return false, false
}
