package usecase

import (
	"context"
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"go.uber.org/zap"
)

// CommandFunc executes one local command. args is the text after the
// command token, trimmed.
type CommandFunc func(ctx context.Context, args string) string

// CommandRegistry resolves "/" commands locally, before anything is
// encrypted or sent to the backend. Unknown commands fall through to
// the backend verbatim.
type CommandRegistry struct {
	handlers map[string]CommandFunc
	logger   *zap.Logger
}

// NewCommandRegistry creates a registry with the built-in commands.
func NewCommandRegistry(logger *zap.Logger) *CommandRegistry {
	r := &CommandRegistry{
		handlers: make(map[string]CommandFunc),
		logger:   logger,
	}

	r.Register("title", func(_ context.Context, args string) string {
		if args == "" {
			return "Usage: /title <text>"
		}
		return "Conversation title set to: " + args
	})
	r.Register("save", func(_ context.Context, _ string) string {
		return "Conversation saved."
	})
	r.Register("logout", func(_ context.Context, _ string) string {
		return "Logged out."
	})
	r.Register("quit", func(_ context.Context, _ string) string {
		return "Bye."
	})

	return r
}

// Register adds or replaces a command handler.
func (r *CommandRegistry) Register(name string, fn CommandFunc) {
	r.handlers[strings.ToLower(name)] = fn
}

// Handle implements service.CommandHandler.
func (r *CommandRegistry) Handle(ctx context.Context, line string) (string, bool) {
	name := service.CommandName(line)
	fn, ok := r.handlers[name]
	if !ok {
		return "", false
	}

	args := ""
	if i := strings.IndexAny(line, " \t\n"); i >= 0 {
		args = strings.TrimSpace(line[i+1:])
	}
	r.logger.Info("Handling local command", zap.String("command", name))
	return fn(ctx, args), true
}
