// Package flow holds the adaptive conversation decision engine: a pure
// function from (state, decoded bot event) to (next state, action), driven
// by an ordered table of regex rules so bot behavior changes are
// configuration, not code.
package flow

import (
	"fmt"
	"regexp"

	"github.com/voxprobe/voxprobe/pkg/protocol"
)

// State is the conversation phase as seen from the prober's side.
type State int

const (
	StateGreeting State = iota
	StateInProgress
	StateAwaitingConfirmation
	StateTerminated
)

var stateNames = map[State]string{
	StateGreeting:             "greeting",
	StateInProgress:           "in_progress",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateTerminated:           "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a rule-table state name to a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Action is the per-cycle decision consumed by the sequencer.
type Action int

const (
	ActionAdvance Action = iota
	ActionRepeat
	ActionWait
	ActionAbort
)

var actionNames = map[Action]string{
	ActionAdvance: "advance",
	ActionRepeat:  "repeat",
	ActionWait:    "wait",
	ActionAbort:   "abort",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a rule-table action name to an Action.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// Rule is one entry in the ordered decision table. The first rule whose
// pattern matches the utterance text wins.
type Rule struct {
	Pattern *regexp.Regexp
	Next    State
	Act     Action
}

// Engine evaluates the ordered rule table. It holds no mutable state; the
// caller owns the State value between calls.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over an ordered rule list. A nil or empty
// list means only the state defaults apply.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Decide maps the current state and the latest decoded bot event to the
// next state and the action the sequencer should take. It is synchronous
// and never blocks.
//
// Classification shortcuts run before the rule table: a terminal event
// always ends the conversation, an error event always aborts, and control
// traffic is never decisive.
func (e *Engine) Decide(state State, ev protocol.Event) (State, Action) {
	switch ev.Kind {
	case protocol.KindTerminal:
		return StateTerminated, ActionAdvance
	case protocol.KindError:
		return state, ActionAbort
	case protocol.KindControl:
		return state, ActionWait
	}

	if state == StateTerminated {
		return StateTerminated, ActionAdvance
	}

	for _, rule := range e.rules {
		if rule.Pattern.MatchString(ev.Text) {
			return rule.Next, rule.Act
		}
	}

	// State-specific defaults: keep waiting until the bot has greeted,
	// otherwise favor forward progress.
	if state == StateGreeting {
		return StateGreeting, ActionWait
	}
	return StateInProgress, ActionAdvance
}

func mustRule(pattern string, next State, act Action) Rule {
	return Rule{
		Pattern: regexp.MustCompile("(?i)" + pattern),
		Next:    next,
		Act:     act,
	}
}

// DefaultRules is the built-in decision table, matching the bot behaviors
// the harness was originally tuned against. Order matters: confirmation
// prompts must win over the generic greeting clear.
func DefaultRules() []Rule {
	return []Rule{
		mustRule(`\b(confirm|verify|did you mean|is that (correct|right)|(say|repeat) that again)\b`,
			StateAwaitingConfirmation, ActionRepeat),
		mustRule(`\b(goodbye|bye for now|thanks? (you )?for calling|have a (great|good|nice) day)\b`,
			StateTerminated, ActionAdvance),
		mustRule(`\b(hello|hi there|welcome|good (morning|afternoon|evening)|how (can|may) i (help|assist))\b`,
			StateInProgress, ActionAdvance),
	}
}
