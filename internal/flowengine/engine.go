package flowengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agenticcore/internal/eventbus"
	"agenticcore/internal/kv"
	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

// mexicoCity anchors CONDITIONAL_TIME evaluation the way
// original_source/core/src/processors.rs pins chrono_tz::America::Mexico_City.
// A failed zoneinfo lookup degrades to UTC rather than failing step
// execution.
var mexicoCity = func() *time.Location {
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// Engine matches inbound/outbound content against a bot's triggers, creates
// Flow executions, and advances their steps to completion. It satisfies
// aiengine.TriggerEvaluator so AIEngine can bypass straight to it when a bot
// has AI disabled. The FlowLock's TTL (config.LockConfig.FlowTTL) is set by
// the caller that constructs it.
type Engine struct {
	db    *storage.Store
	locks *kv.FlowLock
	tr    transport.Transport
	bus   *eventbus.Bus
	log   zerolog.Logger
}

func New(db *storage.Store, locks *kv.FlowLock, tr transport.Transport, bus *eventbus.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		db:    db,
		locks: locks,
		tr:    tr,
		bus:   bus,
		log:   log.With().Str("component", "flowengine").Logger(),
	}
}

func newLockToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// EvaluateIncoming runs processIncomingMessage for each message, grounded on
// original_source/core/src/flow_engine.rs's process_incoming_message. Errors
// are logged, never returned, since trigger matching must never block
// message intake.
func (e *Engine) EvaluateIncoming(ctx context.Context, bot storage.Bot, session storage.Session, messages []storage.Message) error {
	for _, m := range messages {
		if err := e.processIncomingMessage(ctx, bot, session, m); err != nil {
			e.log.Warn().Err(err).Int64("session_id", session.ID).Msg("trigger evaluation failed")
		}
	}
	return nil
}

func (e *Engine) processIncomingMessage(ctx context.Context, bot storage.Bot, session storage.Session, msg storage.Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	triggers, err := e.db.ListActiveTriggers(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("list active triggers: %w", err)
	}
	if len(triggers) == 0 {
		return nil
	}

	scopes := scopesFor(msg.FromMe)
	eligible := triggers[:0:0]
	for _, t := range triggers {
		if inScope(t, scopes) && appliesToSession(t, session.ID) {
			eligible = append(eligible, t)
		}
	}
	trigger := FindMatch(msg.Content, eligible)
	if trigger == nil {
		return nil
	}

	token := newLockToken()
	acquired, err := e.locks.Acquire(ctx, session.ID, trigger.FlowID, token)
	if err != nil {
		return fmt.Errorf("acquire flow lock: %w", err)
	}
	if !acquired {
		e.log.Info().Str("trigger", trigger.Keyword).Msg("trigger ignored: flow lock already held")
		return nil
	}
	defer func() {
		if err := e.locks.Release(ctx, session.ID, trigger.FlowID, token); err != nil {
			e.log.Warn().Err(err).Msg("release flow lock")
		}
	}()

	executionID, ok, err := e.validateAndCreateExecution(ctx, session.ID, msg.Sender, *trigger)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.log.Info().Str("trigger", trigger.Keyword).Int64("flow_id", trigger.FlowID).Int64("execution_id", executionID).Msg("matched trigger, creating execution")
	go e.scheduleStep(context.WithoutCancel(ctx), executionID, 0)
	return nil
}

// validateAndCreateExecution runs the cooldown/usage-limit/exclusion checks
// from flow_engine.rs before creating a RUNNING execution. ok is false when
// a validation failure recorded a FAILED execution instead.
func (e *Engine) validateAndCreateExecution(ctx context.Context, sessionID int64, sender string, trigger storage.Trigger) (int64, bool, error) {
	if trigger.CooldownMs != nil && *trigger.CooldownMs > 0 {
		last, err := e.db.LastExecutionStart(ctx, sessionID, trigger.FlowID)
		if err == nil {
			elapsed := time.Since(last).Milliseconds()
			if elapsed < *trigger.CooldownMs {
				msg := fmt.Sprintf("Cooldown active (%d/%dms)", elapsed, *trigger.CooldownMs)
				return e.createFailedExecution(ctx, sessionID, trigger.FlowID, msg)
			}
		} else if err != storage.ErrNotFound {
			return 0, false, fmt.Errorf("check cooldown: %w", err)
		}
	}

	if trigger.UsageLimit != nil && *trigger.UsageLimit > 0 {
		count, err := e.db.CountExecutions(ctx, sessionID, trigger.FlowID)
		if err != nil {
			return 0, false, fmt.Errorf("check usage limit: %w", err)
		}
		if count >= *trigger.UsageLimit {
			msg := fmt.Sprintf("Usage limit reached (%d/%d)", count, *trigger.UsageLimit)
			return e.createFailedExecution(ctx, sessionID, trigger.FlowID, msg)
		}
	}

	var excludes []int64
	if trigger.ExcludesFlowsJSON != "" && trigger.ExcludesFlowsJSON != "[]" {
		if err := json.Unmarshal([]byte(trigger.ExcludesFlowsJSON), &excludes); err != nil {
			return 0, false, fmt.Errorf("decode excludes_flows: %w", err)
		}
	}
	if len(excludes) > 0 {
		conflict, err := e.db.HasActiveExecution(ctx, sessionID, excludes, time.Time{})
		if err != nil {
			return 0, false, fmt.Errorf("check exclusion: %w", err)
		}
		if conflict {
			_, _, err := e.createFailedExecution(ctx, sessionID, trigger.FlowID, "Mutually exclusive flow already executed")
			return 0, false, err
		}
	}

	id, err := e.db.CreateExecution(ctx, sessionID, trigger.FlowID, storage.ExecutionStatusRunning)
	if err != nil {
		return 0, false, fmt.Errorf("create execution: %w", err)
	}
	return id, true, nil
}

func (e *Engine) createFailedExecution(ctx context.Context, sessionID, flowID int64, reason string) (int64, bool, error) {
	e.log.Info().Str("reason", reason).Msg("execution validation failed")
	id, err := e.db.CreateExecution(ctx, sessionID, flowID, storage.ExecutionStatusFailed)
	if err != nil {
		return 0, false, fmt.Errorf("create failed execution: %w", err)
	}
	if err := e.db.FailExecution(ctx, id, reason); err != nil {
		return 0, false, fmt.Errorf("mark execution failed: %w", err)
	}
	return 0, false, nil
}

// scheduleStep fetches the next step and, after its DelayMs elapses, runs it
// and recurses into the following step -- grounded on flow_engine.rs's
// schedule_step/execute_and_advance pair. There is no bounded-engine
// precedent for a delayed one-shot dispatch anywhere in the surrounding
// corpus, so this uses the same stdlib time.AfterFunc idiom as
// accumulator.Accumulate.
func (e *Engine) scheduleStep(ctx context.Context, executionID int64, order int) {
	execution, err := e.db.GetExecution(ctx, executionID)
	if err != nil {
		e.log.Warn().Err(err).Int64("execution_id", executionID).Msg("execution not found for scheduling")
		return
	}
	if execution.Status != storage.ExecutionStatusRunning {
		return
	}

	step, err := e.db.GetStepAtOrder(ctx, execution.FlowID, order)
	if err != nil {
		if err == storage.ErrNotFound {
			if cErr := e.db.CompleteExecution(ctx, executionID); cErr != nil {
				e.log.Warn().Err(cErr).Int64("execution_id", executionID).Msg("complete execution")
			}
			return
		}
		e.log.Warn().Err(err).Int64("execution_id", executionID).Msg("fetch step")
		return
	}

	delay := time.Duration(step.DelayMs) * time.Millisecond
	time.AfterFunc(delay, func() {
		e.executeAndAdvance(ctx, execution, step)
	})
}

func (e *Engine) executeAndAdvance(ctx context.Context, execution storage.Execution, step storage.Step) {
	if err := e.db.AdvanceExecution(ctx, execution.ID, step.Order); err != nil {
		e.log.Warn().Err(err).Int64("execution_id", execution.ID).Msg("advance execution")
	}

	if err := e.executeStep(ctx, execution, step); err != nil {
		e.log.Error().Err(err).Int64("execution_id", execution.ID).Int("step_order", step.Order).Msg("step execution failed, continuing")
		reason := fmt.Sprintf("Step %d error: %v", step.Order, err)
		if fErr := e.db.FailExecution(ctx, execution.ID, reason); fErr != nil {
			e.log.Warn().Err(fErr).Msg("record step error")
		}
	}

	e.scheduleStep(ctx, execution.ID, step.Order+1)
}

func (e *Engine) executeStep(ctx context.Context, execution storage.Execution, step storage.Step) error {
	session, err := e.db.GetSessionByID(ctx, execution.SessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	payload, ok := e.buildPayload(step)
	if !ok {
		return nil
	}

	if err := e.tr.SendMessage(ctx, session.BotID, session.Identifier, payload); err != nil {
		return fmt.Errorf("send step message: %w", err)
	}
	e.bus.Publish(eventbus.Event{Subject: eventbus.SubjectMessageSent, BotID: session.BotID, Payload: payload})
	return nil
}

func (e *Engine) buildPayload(step storage.Step) (transport.Payload, bool) {
	switch step.Type {
	case storage.StepTypeText:
		return transport.Payload{Text: step.Content}, step.Content != ""
	case storage.StepTypeImage:
		if step.MediaURL == nil {
			e.log.Error().Int64("step_id", step.ID).Msg("IMAGE step has no mediaUrl, skipping")
			return transport.Payload{}, false
		}
		return transport.Payload{Image: &transport.MediaRef{URL: *step.MediaURL}, Caption: step.Content}, true
	case storage.StepTypeAudio, storage.StepTypePTT:
		if step.MediaURL == nil {
			e.log.Error().Int64("step_id", step.ID).Msg("audio step has no mediaUrl, skipping")
			return transport.Payload{}, false
		}
		return transport.Payload{Audio: &transport.MediaRef{URL: *step.MediaURL}, PTT: step.Type == storage.StepTypePTT}, true
	case storage.StepTypeConditionalTime:
		return e.buildConditionalPayload(step)
	default:
		e.log.Warn().Str("step_type", step.Type).Msg("unsupported step type")
		return transport.Payload{}, false
	}
}

func (e *Engine) buildConditionalPayload(step storage.Step) (transport.Payload, bool) {
	var meta ConditionalTimeMetadata
	if err := json.Unmarshal([]byte(step.MetadataJSON), &meta); err != nil {
		e.log.Error().Err(err).Int64("step_id", step.ID).Msg("decode conditional_time metadata")
		return transport.Payload{}, false
	}

	now := time.Now().In(mexicoCity)
	currentMinutes := now.Hour()*60 + now.Minute()

	for _, branch := range meta.Branches {
		start, ok1 := minutesOfDay(branch.StartTime)
		end, ok2 := minutesOfDay(branch.EndTime)
		if !ok1 || !ok2 {
			continue
		}
		var isMatch bool
		if start < end {
			isMatch = currentMinutes >= start && currentMinutes < end
		} else {
			// Midnight crossing, e.g. 22:00-06:00.
			isMatch = currentMinutes >= start || currentMinutes < end
		}
		if isMatch {
			return branchPayload(branch)
		}
	}
	if meta.Fallback != nil {
		return branchPayload(*meta.Fallback)
	}
	return transport.Payload{}, false
}

func branchPayload(b TimeBranch) (transport.Payload, bool) {
	switch b.Type {
	case storage.StepTypeText:
		return transport.Payload{Text: b.Content}, b.Content != ""
	case storage.StepTypeImage:
		if b.MediaURL == nil {
			return transport.Payload{}, false
		}
		return transport.Payload{Image: &transport.MediaRef{URL: *b.MediaURL}, Caption: b.Content}, true
	case storage.StepTypeAudio:
		if b.MediaURL == nil {
			return transport.Payload{}, false
		}
		return transport.Payload{Audio: &transport.MediaRef{URL: *b.MediaURL}, PTT: true}, true
	default:
		return transport.Payload{}, false
	}
}

func minutesOfDay(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

// RecoverRunningExecutions re-schedules every RUNNING execution at its
// current step, for startup recovery after a crash or redeploy --
// original_source/core/src/flow_engine.rs's recover_running_executions.
func (e *Engine) RecoverRunningExecutions(ctx context.Context) error {
	executions, err := e.db.ListRunningExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	if len(executions) == 0 {
		return nil
	}
	e.log.Info().Int("count", len(executions)).Msg("recovering running executions")
	for _, exec := range executions {
		go e.scheduleStep(context.WithoutCancel(ctx), exec.ID, exec.CurrentStep)
	}
	return nil
}
