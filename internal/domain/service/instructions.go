package service

import (
	"regexp"
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
)

// InjectFirst and InjectLast select which user turn receives the
// transient instruction prefix.
const (
	InjectFirst = "first"
	InjectLast  = "last"
)

var tripleNewline = regexp.MustCompile(`\n{3,}`)

// SanitizeInstructions neutralizes instruction text before it is wrapped
// in the "[Project instructions: …]" marker. A "]\n" sequence inside the
// text would close the marker early, so a space is forced between them;
// runs of three or more newlines collapse to two.
func SanitizeInstructions(s string) string {
	s = strings.ReplaceAll(s, "]\n", "] \n")
	return tripleNewline.ReplaceAllString(s, "\n\n")
}

// InjectInstructions returns a copy of turns where the selected user
// turn (first or last, skipping command turns) is prefixed with the
// project-instructions marker. The input slice is never mutated — the
// injection is transient and must not leak into persisted history or
// into a later injection pass.
func InjectInstructions(turns []entity.Turn, instructions, into string, commandsEnabled bool) []entity.Turn {
	if instructions == "" {
		return turns
	}

	target := -1
	for i := range turns {
		if turns[i].Role != entity.RoleUser {
			continue
		}
		if commandsEnabled && IsCommand(turns[i].Content) {
			continue
		}
		target = i
		if into != InjectLast {
			break
		}
	}
	if target < 0 {
		return turns
	}

	out := make([]entity.Turn, len(turns))
	copy(out, turns)
	out[target].Content = "[Project instructions: " + SanitizeInstructions(instructions) + "]\n\n" + out[target].Content
	return out
}
