// Package pipeline orchestrates the document-intelligence run: classify and
// filter pages, extract drawing quantities, parse assembly systems, sweep
// specs and scope letters, then aggregate, emitting replayable progress
// events along the way.
//
// Documents inside a stage are processed independently on a bounded worker
// pool. A single document's failure (or timeout) is captured as a
// per-document error entry and never aborts the batch.
package pipeline

import (
	"github.com/hazyhaar/takeoff/assembly"
	"github.com/hazyhaar/takeoff/classify"
	"github.com/hazyhaar/takeoff/extract"
	"github.com/hazyhaar/takeoff/workflow"
)

// Category is the declared kind of an uploaded document.
type Category string

const (
	CategoryDrawing  Category = "drawing"
	CategoryAssembly Category = "assembly"
	CategorySpec     Category = "spec"
	CategoryScope    Category = "scope"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDrawing, CategoryAssembly, CategorySpec, CategoryScope:
		return true
	}
	return false
}

// Document is one file in a batch, with its per-page text already supplied
// by the upstream text source. Immutable once submitted.
type Document struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Pages    []string `json:"pages"`
}

// ErrorKind classifies a per-document failure.
type ErrorKind string

const (
	ErrUnsupportedFormat ErrorKind = "unsupported_format"
	ErrTimeout           ErrorKind = "timeout"
	ErrFailure           ErrorKind = "failure"
	ErrExport            ErrorKind = "export_error"
)

// DocumentError is one isolated per-document failure, recorded on the
// session result.
type DocumentError struct {
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
}

// Sheet is a RoofPlanSheet plus its current review state. The quantity
// fields are frozen at extraction; only the workflow state moves.
type Sheet struct {
	extract.RoofPlanSheet
	Workflow workflow.State `json:"workflow_state"`
}

// DocumentResult is the per-document slice of the session result.
type DocumentResult struct {
	DocumentID  string                        `json:"document_id"`
	Name        string                        `json:"name"`
	Category    Category                      `json:"category"`
	Pages       []classify.PageClassification `json:"pages,omitempty"`
	FilteredOut bool                          `json:"filtered_out"`
	RoofPlans   []Sheet                       `json:"roof_plans,omitempty"`
	Assembly    *assembly.System              `json:"assembly,omitempty"`
}

// FilterStats are the session-level pre-filter savings.
type FilterStats struct {
	Scanned        int `json:"scanned"`
	Kept           int `json:"kept"`
	SavingsPercent int `json:"savings_percent"`
}

// Status is the session lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Result is the final aggregate of one session. Successes and failures are
// always both present; filter stats are reported even when nothing was kept.
type Result struct {
	SessionID   string            `json:"session_id"`
	Status      Status            `json:"status"`
	Documents   []DocumentResult  `json:"documents"`
	FilterStats FilterStats       `json:"filter_stats"`
	Assemblies  []assembly.System `json:"assemblies"`
	Errors      []DocumentError   `json:"errors"`
}

// clone copies r deeply enough that a workflow-state overlay on the clone
// never writes into the stored result's backing arrays.
func (r *Result) clone() *Result {
	c := *r
	c.Documents = make([]DocumentResult, len(r.Documents))
	for i, d := range r.Documents {
		d.RoofPlans = append([]Sheet(nil), d.RoofPlans...)
		c.Documents[i] = d
	}
	return &c
}

// Stage identifies one pipeline phase. Stages always run in this order;
// the barrier between them is soft; it exists for progress-reporting
// clarity, not correctness.
type Stage string

const (
	StageClassify   Stage = "classify"
	StageDrawings   Stage = "extract_drawings"
	StageAssemblies Stage = "extract_assemblies"
	StageSpecs      Stage = "extract_specs"
	StageAggregate  Stage = "aggregate"
)

// stageSpan maps each stage to its slice of the overall percent range.
var stageSpan = map[Stage][2]int{
	StageClassify:   {0, 20},
	StageDrawings:   {20, 55},
	StageAssemblies: {55, 75},
	StageSpecs:      {75, 90},
	StageAggregate:  {90, 100},
}

// Event is one progress notification. Seq is the replay cursor: events are
// durably ordered per session, and consumers must tolerate seeing the same
// Seq more than once after a transport retry.
type Event struct {
	Seq     int          `json:"seq"`
	Stage   Stage        `json:"stage"`
	Percent int          `json:"percent"`
	Message string       `json:"message"`
	Stats   *FilterStats `json:"partial_stats,omitempty"`
	Final   bool         `json:"final,omitempty"`
}
