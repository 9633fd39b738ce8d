// Package tracker decides where one logical conversation ends and the next
// begins, given the message snapshots an interception point observes, and
// which messages of a snapshot still need to be rendered.
package tracker

import (
	"fmt"
	"sync"
)

// State is the bookkeeping kept for one conversation key.
type State struct {
	// PreviousMessageCount is the size of the history the key is expected
	// to have reached.
	PreviousMessageCount int
	// ProcessedMessageCount is how many messages of the current
	// conversation have been rendered (transport style only).
	ProcessedMessageCount int
}

// Boundary describes the outcome of one observation.
type Boundary struct {
	// New is set when the snapshot starts a new logical conversation.
	New bool
	// Step is the divider number. It is zero when no divider is needed,
	// which is the case for the very first conversation of a tracker.
	Step int
	// Label is the divider text, empty when Step is zero.
	Label string
}

// NeedsDivider reports whether a divider must precede the rendered messages.
func (b Boundary) NeedsDivider() bool {
	return b.Step > 0
}

// Delta is the half-open range [From, To) of a snapshot to render.
type Delta struct {
	Boundary
	From int
	To   int
}

// Len is the number of messages to render.
func (d Delta) Len() int {
	return d.To - d.From
}

// Tracker holds the per-key conversation state. The step counter and the
// "first conversation" flag are shared by all keys and never reset. It is
// safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	states   map[string]*State
	step     int
	recorded bool
}

func New() *Tracker {
	return &Tracker{states: make(map[string]*State)}
}

// State returns a copy of the state kept for key.
func (t *Tracker) State(key string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[key]; ok {
		return *s
	}
	return State{}
}

// Step returns the number of dividers issued so far.
func (t *Tracker) Step() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

func (t *Tracker) stateLocked(key string) *State {
	s, ok := t.states[key]
	if !ok {
		s = &State{}
		t.states[key] = s
	}
	return s
}

// boundaryLocked records that a new conversation starts under key.
func (t *Tracker) boundaryLocked(key string) Boundary {
	b := Boundary{New: true}
	if t.recorded {
		t.step++
		b.Step = t.step
		b.Label = Label(t.step, key)
	}
	t.recorded = true
	return b
}

// Label is the divider text for step n of the conversation keyed by key.
func Label(n int, key string) string {
	if key == "" {
		return fmt.Sprintf("Step %d", n)
	}
	return fmt.Sprintf("Step %d · %s", n, key)
}

// ObserveTurn applies the callback policy to a snapshot of n messages sent
// to the model. Each model call is expected to add exactly one message to
// the history the tracker has seen, so any other size starts a new
// conversation. The returned delta covers the whole snapshot for a new
// conversation and only its last message otherwise.
func (t *Tracker) ObserveTurn(key string, n int) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stateLocked(key)
	if s.PreviousMessageCount == 0 || n != s.PreviousMessageCount+1 {
		b := t.boundaryLocked(key)
		s.PreviousMessageCount = n
		return Delta{Boundary: b, From: 0, To: n}
	}

	s.PreviousMessageCount++
	return Delta{From: n - 1, To: n}
}

// ObserveReply accounts for the model's reply in the callback policy.
func (t *Tracker) ObserveReply(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateLocked(key).PreviousMessageCount++
}

// ObserveRequest applies the transport policy to a request carrying the
// cumulative history of n messages. A request smaller than the history
// seen so far starts a new conversation. Only the messages that were not
// rendered yet are returned.
func (t *Tracker) ObserveRequest(key string, n int) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stateLocked(key)
	var b Boundary
	if s.PreviousMessageCount == 0 || n < s.PreviousMessageCount+1 {
		b = t.boundaryLocked(key)
		s.ProcessedMessageCount = 0
		s.PreviousMessageCount = n
	} else {
		s.PreviousMessageCount = max(s.PreviousMessageCount, n)
	}

	from := min(s.ProcessedMessageCount, n)
	s.ProcessedMessageCount = max(s.ProcessedMessageCount, n)
	return Delta{Boundary: b, From: from, To: n}
}

// CommitReply accounts for the assistant reply that was rendered after the
// messages of the last ObserveRequest.
func (t *Tracker) CommitReply(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateLocked(key).ProcessedMessageCount++
}

// Checkpoint is a saved copy of the tracker state that matters to one key.
type Checkpoint struct {
	key      string
	state    State
	known    bool
	step     int
	recorded bool
}

// Checkpoint saves the state of key so that a failed write can be undone
// with Restore.
func (t *Tracker) Checkpoint(key string) Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Checkpoint{key: key, step: t.step, recorded: t.recorded}
	if s, ok := t.states[key]; ok {
		c.state, c.known = *s, true
	}
	return c
}

// Restore puts back the state saved by Checkpoint. Observations of other
// keys made in between must not have issued dividers.
func (t *Tracker) Restore(c Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.step, t.recorded = c.step, c.recorded
	if !c.known {
		delete(t.states, c.key)
		return
	}
	s := c.state
	t.states[c.key] = &s
}
