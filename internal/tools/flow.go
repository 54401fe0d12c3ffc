package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

// dispatchFlow executes a tool-triggered FLOW. Unlike FlowEngine's
// trigger-driven runs, no Execution row, cooldown check, or lock applies
// here — spec.md §4.4 only asks for step substitution, per-type transport
// send, and inter-step delay. FlowEngine's executeStep interprets steps for
// trigger-driven runs and additionally tracks Execution state; it also
// handles CONDITIONAL_TIME steps, which substituteStep here does not.
func (e *Executor) dispatchFlow(ctx context.Context, bot storage.Bot, session storage.Session, tool storage.Tool, arguments map[string]any) Result {
	flowID := tool.FlowID
	if flowID == nil {
		return fail("tool %q has no associated flow", tool.Name)
	}
	flow, err := e.db.GetFlow(ctx, *flowID)
	if err != nil {
		return fail("flow not found for tool %q", tool.Name)
	}
	steps, err := e.db.ListSteps(ctx, flow.ID)
	if err != nil {
		return fail("failed to load flow steps")
	}

	for _, step := range steps {
		payload := substituteStep(step, arguments)
		if err := sendStepPayload(ctx, e.tr, bot.ID, session.Identifier, payload); err != nil {
			e.log.Warn().Err(err).Str("flow", flow.Name).Int("step", step.Order).Msg("flow step transport send failed")
		}
		if step.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(step.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return ok(fmt.Sprintf("flow %q interrupted", flow.Name))
			}
		}
	}
	return ok(fmt.Sprintf("flow %q executed (%d steps)", flow.Name, len(steps)))
}

// substituteStep replaces every {{key}} in step.Content with
// String(arguments[key]), per spec.md §4.4 FLOW dispatch rule 1.
func substituteStep(step storage.Step, arguments map[string]any) transport.Payload {
	content := step.Content
	for key, val := range arguments {
		content = strings.ReplaceAll(content, "{{"+key+"}}", stringifyArg(val))
	}

	p := transport.Payload{}
	switch step.Type {
	case storage.StepTypeText:
		p.Text = content
	case storage.StepTypeImage:
		if step.MediaURL != nil {
			p.Image = &transport.MediaRef{URL: *step.MediaURL}
		}
		p.Caption = content
	case storage.StepTypeAudio:
		if step.MediaURL != nil {
			p.Audio = &transport.MediaRef{URL: *step.MediaURL}
		}
	case storage.StepTypePTT:
		if step.MediaURL != nil {
			p.Audio = &transport.MediaRef{URL: *step.MediaURL}
		}
		p.PTT = true
	}
	return p
}

func sendStepPayload(ctx context.Context, tr transport.Transport, botID int64, identifier string, payload transport.Payload) error {
	return tr.SendMessage(ctx, botID, identifier, payload)
}

func stringifyArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
