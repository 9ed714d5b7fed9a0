package service

import (
	"context"
	"strings"
)

// CommandHandler resolves a local "/" command without contacting the
// backend. The generation client short-circuits on these before
// encryption; the handler's string becomes ChatResult.Text verbatim.
type CommandHandler interface {
	// Handle executes the command line ("/title My chat"). ok=false
	// means the command is unknown and the turn should be sent to the
	// backend verbatim.
	Handle(ctx context.Context, line string) (result string, ok bool)
}

// IsCommand reports whether a user turn starts with a command token.
// Only a "/" immediately followed by a letter counts — "/tmp/x" style
// paths and bare "/" lines are ordinary content.
func IsCommand(content string) bool {
	if len(content) < 2 || content[0] != '/' {
		return false
	}
	c := content[1]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// CommandName extracts the command token without the leading slash.
func CommandName(line string) string {
	rest := strings.TrimPrefix(line, "/")
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
