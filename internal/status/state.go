package status

import (
	"fmt"
	"slices"
)

// Status is the delivery state of a single message.
type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
)

// validTransitions defines allowed single-step transitions. Read is terminal.
var validTransitions = map[Status][]Status{
	Sent:      {Delivered},
	Delivered: {Read},
	Read:      {},
}

var ranks = map[Status]int{
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Parse converts a stored value into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank orders statuses; an unknown status ranks 0.
func (s Status) Rank() int {
	return ranks[s]
}

// AtLeast reports whether s has reached target.
func (s Status) AtLeast(target Status) bool {
	return s.Rank() >= target.Rank()
}

// CanAdvance reports whether a single write may move a message from one status to another.
func CanAdvance(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Predecessors returns the statuses a message must currently hold for a write to
// target to be accepted.
func Predecessors(target Status) []Status {
	var out []Status
	for from, next := range validTransitions {
		if slices.Contains(next, target) {
			out = append(out, from)
		}
	}
	slices.SortFunc(out, func(a, b Status) int { return a.Rank() - b.Rank() })
	return out
}

// Path returns the ordered writes needed to walk from one status to another
// without skipping a state. It is empty when from already reached to.
func Path(from, to Status) []Status {
	if !to.Valid() || from.AtLeast(to) {
		return nil
	}
	var steps []Status
	cur := from
	for cur != to {
		next := validTransitions[cur]
		if len(next) == 0 {
			return nil
		}
		cur = next[0]
		steps = append(steps, cur)
	}
	return steps
}
