// Package workflow tracks human review progress on extracted items.
//
// The state machine is forward-only: detected → reviewing → verified →
// approved, no skipping, no automatic promotion. A requested transition is
// accepted only when the target is strictly the next state; anything else is
// rejected as a no-op with a result flag. Rejection is idempotent; the
// stored state is left untouched.
//
// States live in an explicit SQLite-backed store keyed by
// (document id, item index, item kind), never in ambient client maps.
package workflow

import "fmt"

// State is one review stage.
type State string

const (
	StateDetected  State = "detected"
	StateReviewing State = "reviewing"
	StateVerified  State = "verified"
	StateApproved  State = "approved"
)

// order is the fixed linear progression.
var order = []State{StateDetected, StateReviewing, StateVerified, StateApproved}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, o := range order {
		if s == o {
			return true
		}
	}
	return false
}

// Next returns the state after s, or "" when s is terminal.
func (s State) Next() State {
	for i, o := range order[:len(order)-1] {
		if s == o {
			return order[i+1]
		}
	}
	return ""
}

// CanAdvance reports whether a transition from s to target is allowed.
func (s State) CanAdvance(target State) bool {
	return target != "" && s.Next() == target
}

// ItemKind distinguishes the reviewable item families sharing the store.
type ItemKind string

const (
	KindSheet    ItemKind = "sheet"
	KindAssembly ItemKind = "assembly"
)

// Key addresses one reviewable item. Items are addressed by this stable
// composite key, never by array position.
type Key struct {
	DocumentID string   `json:"document_id"`
	Index      int      `json:"index"` // page index for sheets, 0 for assemblies
	Kind       ItemKind `json:"kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s[%d]", k.DocumentID, k.Kind, k.Index)
}

// AdvanceResult reports the outcome of a transition request. State is the
// state after the request, unchanged when Accepted is false.
type AdvanceResult struct {
	Accepted bool  `json:"accepted"`
	State    State `json:"new_state"`
}
