package engine

import (
	"regexp"
	"strings"
)

// assignRe matches a simple assignment target at the start of a line.
// The trailing class rejects == so comparisons do not register.
var assignRe = regexp.MustCompile(`^\s*([A-Za-z_]\w*)\s*=([^=]|$)`)

// scanAssignedVars extracts the names generated code assigns, in first
// appearance order, so chart prompts can tell the model what is still
// live in the interpreter. Plot handles and throwaway names are
// skipped.
func scanAssignedVars(code string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" ||
			strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "import ") ||
			strings.HasPrefix(trimmed, "from ") ||
			strings.HasPrefix(trimmed, "print") {
			continue
		}
		m := assignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if name == "fig" || name == "plt" || name == "ax" {
			continue
		}
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
