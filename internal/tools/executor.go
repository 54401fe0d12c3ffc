package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"agenticcore/internal/conversation"
	"agenticcore/internal/crypto"
	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

// Result is what execute() returns per spec.md §4.4: never an error across
// the AI-loop boundary, always a success flag plus a human/model-readable
// data string.
type Result struct {
	Success bool
	Data    string
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Data: fmt.Sprintf(format, args...)}
}

func ok(data string) Result {
	return Result{Success: true, Data: data}
}

type Executor struct {
	db   *storage.Store
	conv *conversation.Store
	tr   transport.Transport
	enc  *crypto.Manager
	http WebhookCaller
	log  zerolog.Logger
}

func NewExecutor(db *storage.Store, conv *conversation.Store, tr transport.Transport, enc *crypto.Manager, caller WebhookCaller, log zerolog.Logger) *Executor {
	return &Executor{
		db:   db,
		conv: conv,
		tr:   tr,
		enc:  enc,
		http: caller,
		log:  log.With().Str("component", "tool_executor").Logger(),
	}
}

// Execute dispatches name with arguments against session, which belongs to
// bot. Any internal error is converted to a failed Result; nothing ever
// propagates as a Go error to the AI loop, per spec.md §4.4.
func (e *Executor) Execute(ctx context.Context, bot storage.Bot, session storage.Session, name string, arguments map[string]any) Result {
	if IsBuiltin(name) {
		return e.dispatchBuiltin(ctx, bot, session, name, arguments)
	}

	tool, err := e.db.GetActiveTool(ctx, bot.ID, name)
	if err != nil {
		return fail("tool not found or disabled")
	}

	switch tool.ActionType {
	case storage.ActionTypeFlow:
		return e.dispatchFlow(ctx, bot, session, tool, arguments)
	case storage.ActionTypeWebhook:
		return e.dispatchWebhook(ctx, session, tool, arguments)
	default:
		return fail("tool not found or disabled")
	}
}

func marshalArgs(arguments map[string]any) string {
	b, err := json.Marshal(arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}
