// Package command implements the whitelisted, shell-like command grammar
// the sandboxed-command tool executes against a session workspace: a
// hand-rolled tokenizer and glob matcher with no quoting and no
// metacharacter support, so there is nothing to smuggle a second command
// through.
package command

import (
	"strings"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

// Allowed is the fixed set of parseable command names. Nothing else is a
// valid first token.
var Allowed = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"mkdir": true, "rm": true, "cp": true, "mv": true, "touch": true,
	"pwd": true, "echo": true, "grep": true, "find": true,
}

// metacharacters are rejected unconditionally before tokenization: pipes,
// sequencing, redirection, and command substitution all stay disallowed.
// Checking the shorter substrings ("|", ">") also catches their doubled
// forms ("||", ">>").
var metacharacters = []string{"|", ";", "&&", "||", ">", "<", "$(", "`", "\n", "\r"}

// Command is a parsed, whitelisted command invocation ready for Execute.
type Command struct {
	Name string
	Args []string
}

// Parse tokenizes line by whitespace and validates it against the allowed
// command grammar. No quoting is supported: arguments containing spaces
// cannot be expressed, by design, since that is what the grammar allows.
func Parse(line string) (*Command, error) {
	for _, mc := range metacharacters {
		if strings.Contains(line, mc) {
			return nil, apperrors.Validation("shell metacharacter not allowed", nil)
		}
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, apperrors.Validation("empty command", nil)
	}

	if !Allowed[fields[0]] {
		return nil, apperrors.Validation("unknown or disallowed command: "+fields[0], nil)
	}

	return &Command{Name: fields[0], Args: fields[1:]}, nil
}
