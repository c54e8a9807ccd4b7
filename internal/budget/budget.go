// Package budget tracks how many live data requests the model may still make
// within one decision cycle.
package budget

import "fmt"

type State int

const (
	Active State = iota
	LastChance
	Exhausted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case LastChance:
		return "last_chance"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Budget is a value: transitions return a new Budget so each cycle threads
// its own copy.
type Budget struct {
	remaining int
	consumed  int
	served    int
	terminal  bool
}

// New starts a cycle's budget from the externally supplied counter.
func New(remaining int) Budget {
	if remaining < 0 {
		remaining = 0
	}
	return Budget{remaining: remaining}
}

func (b Budget) Remaining() int { return b.remaining }

// Consumed counts live fetches, CacheServed counts requests answered from
// the short-lived cache.
func (b Budget) Consumed() int    { return b.consumed }
func (b Budget) CacheServed() int { return b.served }

func (b Budget) State() State {
	switch {
	case b.remaining > 1:
		return Active
	case b.remaining == 1:
		return LastChance
	default:
		return Exhausted
	}
}

// AllowsRequest reports whether request_data may be offered to the model.
func (b Budget) AllowsRequest() bool {
	return !b.terminal && b.State() == Active
}

// Terminal reports whether a non-request action has been accepted this cycle.
func (b Budget) Terminal() bool { return b.terminal }

// Record applies one accepted request_data. Only a live fetch decrements;
// a cache-served answer leaves state untouched.
func (b Budget) Record(fetchedLive bool) Budget {
	if !fetchedLive {
		b.served++
		return b
	}
	if b.remaining > 0 {
		b.remaining--
	}
	b.consumed++
	return b
}

// Finish marks the cycle terminal after any non-request action is accepted.
func (b Budget) Finish() Budget {
	b.terminal = true
	return b
}

// Notice is the message shown to the model when one request remains.
func (b Budget) Notice() string {
	switch b.State() {
	case LastChance:
		return "remaining_info_requests=1: request_data is no longer permitted; respond with a terminal action"
	case Exhausted:
		return "remaining_info_requests=0: respond with a terminal action"
	default:
		return ""
	}
}
