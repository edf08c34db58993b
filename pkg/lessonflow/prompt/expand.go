package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// bracePattern matches ${varname}.
	bracePattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

	// combinedPattern matches ${varname} or $varname at a word boundary.
	combinedPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)\b`)
)

// Expander expands variable placeholders in strings.
// Expander is safe for concurrent use after construction.
type Expander struct {
	missingAction MissingAction
	dollarStyle   bool
}

// NewExpander creates an Expander. By default missing variables are kept
// and only ${var} is recognized.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{missingAction: MissingKeep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand substitutes placeholders in s from vars. It only fails when the
// missing action is MissingError and a variable is absent.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}

	pattern := bracePattern
	if e.dollarStyle {
		pattern = combinedPattern
	}

	var missing []string
	out := pattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		name = strings.TrimSuffix(strings.TrimPrefix(name, "{"), "}")
		if val, ok := vars[name]; ok {
			return fmt.Sprint(val)
		}
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			missing = append(missing, name)
		}
		return match
	})

	if len(missing) > 0 {
		return out, &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

// MustExpand is Expand that panics on error.
func (e *Expander) MustExpand(s string, vars map[string]any) string {
	out, err := e.Expand(s, vars)
	if err != nil {
		panic(fmt.Sprintf("prompt: %v", err))
	}
	return out
}

// UndefinedVariableError is returned when MissingError is set and one or
// more variables are not found.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

var defaultExpander = NewExpander()

// Expand expands s with the default expander (missing variables kept).
func Expand(s string, vars map[string]any) string {
	out, _ := defaultExpander.Expand(s, vars)
	return out
}
