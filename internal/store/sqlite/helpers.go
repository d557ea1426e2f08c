package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// inClauseQuery expands a single "%s" placeholder in query into a
// comma-separated list of "?" matching len(inList), and returns the
// argument slice in binding order: leadingArg first (if non-nil), then
// one entry per inList value. Callers append any trailing args (a
// scheduled_at cutoff, for instance) themselves.
func inClauseQuery(query string, leadingArg any, inList []string) (string, []any) {
	placeholders := make([]string, len(inList))
	args := make([]any, 0, len(inList)+1)
	if leadingArg != nil {
		args = append(args, leadingArg)
	}
	for i, v := range inList {
		placeholders[i] = "?"
		args = append(args, v)
	}
	return fmt.Sprintf(query, strings.Join(placeholders, ", ")), args
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
