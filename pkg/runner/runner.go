// Package runner drives the conversation loop: it transmits audio turns in
// order, feeds every inbound bot event through the flow engine, applies
// timing and retry budgets, and produces the turn-by-turn transcript that
// the evaluator collaborator scores.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxprobe/voxprobe/pkg/flow"
	"github.com/voxprobe/voxprobe/pkg/metrics"
	"github.com/voxprobe/voxprobe/pkg/protocol"
	"github.com/voxprobe/voxprobe/pkg/transport"
)

// Conn is the duplex connection surface the sequencer drives. It is
// satisfied by *transport.Transport.
type Conn interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	SendAudio(payload []byte) error
	SendText(text string) error
	ReceiveNext(ctx context.Context, timeout time.Duration) (protocol.Frame, error)
	Close() error
}

// Config holds the immutable option set for one run.
type Config struct {
	// Mode selects the outbound turn encoding: "voice" sends binary audio
	// payloads, "text" sends the utterance as a text frame.
	Mode string

	ResponseTimeout time.Duration
	InterStepDelay  time.Duration
	// SettleDelay is how long to keep draining trailing frames after a
	// decisive bot reply, so late deltas land in the same transcript entry.
	SettleDelay     time.Duration
	GreetingTimeout time.Duration

	MaxRepeatRetriesPerStep int
	RepeatExhausted         flow.RepeatExhaustedPolicy

	Rules []flow.Rule
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = "voice"
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 45 * time.Second
	}
	if c.InterStepDelay < 0 {
		c.InterStepDelay = 0
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = c.ResponseTimeout
	}
	if c.MaxRepeatRetriesPerStep < 0 {
		c.MaxRepeatRetriesPerStep = 0
	}
	if c.RepeatExhausted == "" {
		c.RepeatExhausted = flow.RepeatExhaustedAdvance
	}
	if c.Rules == nil {
		c.Rules = flow.DefaultRules()
	}
	return c
}

// AudioStep is one ordered outbound turn, produced by the audio
// collaborator and consumed read-only here.
type AudioStep struct {
	Index     int
	Path      string
	Payload   []byte
	Utterance string
	Duration  time.Duration
}

// BotReply is one bot utterance recorded into the transcript.
type BotReply struct {
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// TranscriptEntry records one step's exchange. The transcript is
// append-only and returned by value at run end.
type TranscriptEntry struct {
	Step      int        `json:"step"`
	Utterance string     `json:"utterance,omitempty"`
	SentPath  string     `json:"sent_path,omitempty"`
	Replies   []BotReply `json:"replies"`
	Attempts  int        `json:"attempts"`
	ElapsedMS int64      `json:"elapsed_ms"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Status is the run's terminal status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusTimedOut  Status = "timed_out"
)

// Result is everything a run produces, handed to the evaluator and report
// collaborators.
type Result struct {
	RunID      string
	Status     Status
	Reason     string
	Greeting   []BotReply
	Transcript []TranscriptEntry
	Warnings   []string
	StartedAt  time.Time
	Duration   time.Duration
}

// Sequencer owns the orchestration loop. One Sequencer drives one Conn for
// exactly one run.
type Sequencer struct {
	conn   Conn
	engine *flow.Engine
	cfg    Config
	logger *slog.Logger
}

// New builds a Sequencer over an established-but-not-yet-connected Conn.
func New(conn Conn, cfg Config, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Sequencer{
		conn:   conn,
		engine: flow.NewEngine(cfg.Rules),
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes the whole conversation. It never exits uncontrolled: every
// path yields a Result with a terminal status and the transcript
// accumulated so far, and the connection is closed exactly once.
func (s *Sequencer) Run(ctx context.Context, steps []AudioStep) (res *Result, err error) {
	if s.conn == nil {
		return nil, errors.New("sequencer requires a connection")
	}

	started := time.Now()
	res = &Result{RunID: uuid.NewString(), Status: StatusCompleted, StartedAt: started}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusAborted
			res.Reason = fmt.Sprintf("internal error: %v", r)
			s.logger.Error("run panicked", "panic", r)
		}
		_ = s.conn.Close()
		res.Duration = time.Since(started)
		metrics.RunDuration.Observe(res.Duration.Seconds())
		metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
		err = nil
	}()

	if cerr := s.conn.Connect(ctx); cerr != nil {
		res.Status = StatusAborted
		res.Reason = fmt.Sprintf("connect: %v", cerr)
		return res, nil
	}
	s.logger.Info("run started", "run_id", res.RunID, "steps", len(steps), "mode", s.cfg.Mode)

	state := s.awaitGreeting(ctx, res)
	if res.Status != StatusCompleted {
		return res, nil
	}

	for i := 0; i < len(steps) && state != flow.StateTerminated; i++ {
		step := steps[i]
		entry := TranscriptEntry{Step: step.Index, Utterance: step.Utterance, SentPath: step.Path}
		stepStart := time.Now()

		state = s.runStep(ctx, res, &entry, step, state)

		entry.ElapsedMS = time.Since(stepStart).Milliseconds()
		res.Transcript = append(res.Transcript, entry)

		if res.Status != StatusCompleted {
			return res, nil
		}
		if state != flow.StateTerminated && i < len(steps)-1 && s.cfg.InterStepDelay > 0 {
			if !sleepCtx(ctx, s.cfg.InterStepDelay) {
				s.finishCanceled(ctx, res)
				return res, nil
			}
		}
	}

	s.logger.Info("run completed", "run_id", res.RunID, "entries", len(res.Transcript))
	return res, nil
}

// awaitGreeting satisfies step 1's precondition: hold transmission until
// the bot's opening message clears the GREETING state. A silent bot is a
// warning, not a failure, so run duration stays bounded.
func (s *Sequencer) awaitGreeting(ctx context.Context, res *Result) flow.State {
	state := flow.StateGreeting
	deadline := time.Now().Add(s.cfg.GreetingTimeout)

	for state == flow.StateGreeting {
		frame, err := s.conn.ReceiveNext(ctx, time.Until(deadline))
		if err != nil {
			switch {
			case isCtxErr(err):
				s.finishCanceled(ctx, res)
				return state
			case transport.IsTimeout(err):
				res.Warnings = append(res.Warnings, "no greeting received; proceeding")
				s.logger.Warn("greeting timeout, proceeding to first step")
				return flow.StateInProgress
			case transport.IsClosed(err):
				if !s.recover(ctx, res, "greeting") {
					return state
				}
				continue
			default:
				res.Status = StatusAborted
				res.Reason = fmt.Sprintf("greeting receive: %v", err)
				return state
			}
		}

		ev := protocol.Interpret(frame)
		if ev.Kind == protocol.KindUtterance && ev.Text != "" {
			res.Greeting = append(res.Greeting, BotReply{Text: ev.Text, Type: ev.Type, ReceivedAt: ev.ReceivedAt})
			s.logger.Info("bot greeting", "text", ev.Text)
		}

		next, action := s.engine.Decide(state, ev)
		state = next
		if action == flow.ActionAbort {
			res.Status = StatusAborted
			res.Reason = fmt.Sprintf("bot error during greeting: %s", ev.Detail)
			return state
		}
		if state == flow.StateTerminated {
			res.Warnings = append(res.Warnings, "session ended during greeting")
			return state
		}
	}
	return state
}

// runStep owns one audio step from transmission to a decisive action.
// Exactly one step is in flight at a time: the caller never invokes
// runStep for step N+1 until this returns.
func (s *Sequencer) runStep(ctx context.Context, res *Result, entry *TranscriptEntry, step AudioStep, state flow.State) flow.State {
	repeatsLeft := s.cfg.MaxRepeatRetriesPerStep

	if !s.sendStep(ctx, res, entry, step) {
		return state
	}
	deadline := time.Now().Add(s.cfg.ResponseTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.recordTimeout(entry, step)
			return state
		}

		frame, err := s.conn.ReceiveNext(ctx, remaining)
		if err != nil {
			switch {
			case isCtxErr(err):
				s.finishCanceled(ctx, res)
				return state
			case transport.IsTimeout(err):
				s.recordTimeout(entry, step)
				return state
			case transport.IsClosed(err):
				if !s.recover(ctx, res, fmt.Sprintf("step %d", step.Index)) {
					return state
				}
				// Resume at the current step: the payload is resent on the
				// fresh connection, still within the same transcript entry.
				if !s.sendStep(ctx, res, entry, step) {
					return state
				}
				deadline = time.Now().Add(s.cfg.ResponseTimeout)
				continue
			default:
				res.Status = StatusAborted
				res.Reason = fmt.Sprintf("receive: %v", err)
				return state
			}
		}

		ev := protocol.Interpret(frame)
		if ev.Kind == protocol.KindUtterance && ev.Text != "" {
			entry.Replies = append(entry.Replies, BotReply{Text: ev.Text, Type: ev.Type, ReceivedAt: ev.ReceivedAt})
			s.logger.Info("bot reply", "step", step.Index, "text", ev.Text)
		}

		next, action := s.engine.Decide(state, ev)
		state = next

		switch action {
		case flow.ActionWait:
			continue

		case flow.ActionAdvance:
			if state != flow.StateTerminated {
				s.settle(ctx, entry, &state)
			}
			return state

		case flow.ActionRepeat:
			if repeatsLeft <= 0 {
				if s.cfg.RepeatExhausted == flow.RepeatExhaustedAbort {
					res.Status = StatusAborted
					res.Reason = fmt.Sprintf("step %d: repeat budget exhausted", step.Index)
					return state
				}
				entry.Warnings = append(entry.Warnings, "repeat budget exhausted; forced advance")
				s.logger.Warn("repeat budget exhausted, forcing advance", "step", step.Index)
				return flow.StateInProgress
			}
			repeatsLeft--
			metrics.StepRepeats.Inc()
			s.logger.Info("confirmation prompt, repeating step", "step", step.Index, "repeats_left", repeatsLeft)
			if !s.sendStep(ctx, res, entry, step) {
				return state
			}
			deadline = time.Now().Add(s.cfg.ResponseTimeout)

		case flow.ActionAbort:
			res.Status = StatusAborted
			res.Reason = fmt.Sprintf("bot error at step %d: %s", step.Index, ev.Detail)
			return state
		}
	}
}

// sendStep transmits the step payload, recovering once through the bounded
// reconnect path on failure. Returns false when the run is over.
func (s *Sequencer) sendStep(ctx context.Context, res *Result, entry *TranscriptEntry, step AudioStep) bool {
	if err := s.transmit(step); err == nil {
		entry.Attempts++
		metrics.StepsSent.Inc()
		return true
	} else if isCtxErr(err) {
		s.finishCanceled(ctx, res)
		return false
	}

	if !s.recover(ctx, res, fmt.Sprintf("send step %d", step.Index)) {
		return false
	}
	if err := s.transmit(step); err != nil {
		res.Status = StatusAborted
		res.Reason = fmt.Sprintf("send step %d after reconnect: %v", step.Index, err)
		return false
	}
	entry.Attempts++
	metrics.StepsSent.Inc()
	return true
}

func (s *Sequencer) transmit(step AudioStep) error {
	if s.cfg.Mode == "text" {
		return s.conn.SendText(step.Utterance)
	}
	return s.conn.SendAudio(step.Payload)
}

// recover runs the bounded reconnect path. Returns false when the attempt
// budget is spent and the run is marked Aborted with ConnectionLost.
func (s *Sequencer) recover(ctx context.Context, res *Result, where string) bool {
	s.logger.Warn("connection lost, reconnecting", "where", where)
	if err := s.conn.Reconnect(ctx); err != nil {
		if isCtxErr(err) {
			s.finishCanceled(ctx, res)
			return false
		}
		res.Status = StatusAborted
		res.Reason = fmt.Sprintf("connection lost at %s: %v", where, err)
		return false
	}
	return true
}

// settle drains trailing frames for the configured window so late deltas
// join the entry they belong to. Only a terminal frame can still change
// the conversation's course here.
func (s *Sequencer) settle(ctx context.Context, entry *TranscriptEntry, state *flow.State) {
	if s.cfg.SettleDelay <= 0 {
		return
	}
	deadline := time.Now().Add(s.cfg.SettleDelay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		frame, err := s.conn.ReceiveNext(ctx, remaining)
		if err != nil {
			return
		}
		ev := protocol.Interpret(frame)
		if ev.Kind == protocol.KindUtterance && ev.Text != "" {
			entry.Replies = append(entry.Replies, BotReply{Text: ev.Text, Type: ev.Type, ReceivedAt: ev.ReceivedAt})
		}
		if ev.Kind == protocol.KindTerminal {
			*state = flow.StateTerminated
			return
		}
	}
}

func (s *Sequencer) recordTimeout(entry *TranscriptEntry, step AudioStep) {
	entry.Warnings = append(entry.Warnings, "response timeout; advanced without a decisive reply")
	metrics.StepTimeouts.Inc()
	s.logger.Warn("response timeout, advancing", "step", step.Index)
}

func (s *Sequencer) finishCanceled(ctx context.Context, res *Result) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status = StatusTimedOut
		res.Reason = "run deadline exceeded"
		return
	}
	res.Status = StatusAborted
	res.Reason = "canceled"
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
