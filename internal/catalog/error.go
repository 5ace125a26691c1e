// SPDX-License-Identifier: MIT

package catalog

import (
	"fmt"
	"strings"

	"github.com/dalstonhq/dalston/internal/model"
)

// Error is a catalog validation failure: no catalogued engine can satisfy
// the request. It is raised synchronously during submit and carries enough
// detail for the structured API error document.
type Error struct {
	Stage      model.Stage
	Language   string
	Model      string
	Required   []string
	Available  []string
	Suggestion string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("catalog validation: stage %s cannot be served", e.Stage)
	if len(e.Required) > 0 {
		msg += " (required: " + strings.Join(e.Required, ", ") + ")"
	}
	return msg
}

// ErrorInfo converts the failure to the stored error descriptor.
func (e *Error) ErrorInfo() *model.ErrorInfo {
	return model.NewError(model.ErrKindCatalogValidation, "%s", e.Suggestion)
}
