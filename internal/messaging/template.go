// Package messaging composes and dispatches notification emails.
package messaging

import (
	"strings"

	"github.com/patientflow/go-pro/internal/proerr"
)

// Vars maps template keys to thunks. Substitution reifies only the keys a
// template actually references, so expensive lookups behind unused keys are
// never evaluated.
type Vars map[string]func() string

// Static wraps a precomputed value as a thunk.
func Static(v string) func() string {
	return func() string { return v }
}

// Template is a named subject/body pair with {key} placeholders.
type Template struct {
	Name    string
	Subject string
	Body    string
}

// Render substitutes the referenced keys. A referenced key with no
// binding is a validation error; unreferenced bindings stay unevaluated.
func (t Template) Render(vars Vars) (subject, body string, err error) {
	subject, err = substitute(t.Subject, vars)
	if err != nil {
		return "", "", proerr.Wrap(proerr.ErrValidation, "template %s subject: %v", t.Name, err)
	}
	body, err = substitute(t.Body, vars)
	if err != nil {
		return "", "", proerr.Wrap(proerr.ErrValidation, "template %s body: %v", t.Name, err)
	}
	return subject, body, nil
}

func substitute(text string, vars Vars) (string, error) {
	var out strings.Builder
	rest := text
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		key := rest[open+1 : open+closing]
		thunk, ok := vars[key]
		if !ok {
			return "", proerr.Wrap(proerr.ErrValidation, "unbound template key %q", key)
		}
		out.WriteString(rest[:open])
		out.WriteString(thunk())
		rest = rest[open+closing+1:]
	}
}
