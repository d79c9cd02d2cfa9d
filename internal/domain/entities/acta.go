package entities

import (
	"time"
)

// ActaState is a step in the per-acta processing state machine.
type ActaState string

const (
	StateDraft              ActaState = "draft"
	StateQueued             ActaState = "queued"
	StateProcessing         ActaState = "processing"
	StateProcessingSegments ActaState = "processing_segments"
	StateUnifying           ActaState = "unifying"
	StateReview             ActaState = "review"
	StateApproved           ActaState = "approved"
	StatePublished          ActaState = "published"
	StateError              ActaState = "error"
)

// CancelledByOperator is the error message recorded when a run is cancelled.
const CancelledByOperator = "cancelled_by_operator"

// IsTerminal reports whether the executor will never touch the acta again
// without an external transition.
func (s ActaState) IsTerminal() bool {
	switch s {
	case StateReview, StateApproved, StatePublished, StateError:
		return true
	}
	return false
}

// IsRunning reports whether a supervisor task currently owns the acta.
func (s ActaState) IsRunning() bool {
	switch s {
	case StateQueued, StateProcessing, StateProcessingSegments, StateUnifying:
		return true
	}
	return false
}

// validTransitions encodes the state machine. Approved and published are
// reached only through external reviewer actions, never by the executor.
var validTransitions = map[ActaState][]ActaState{
	StateDraft:              {StateQueued, StateError},
	StateQueued:             {StateProcessing, StateError},
	StateProcessing:         {StateProcessingSegments, StateError},
	StateProcessingSegments: {StateUnifying, StateError},
	StateUnifying:           {StateReview, StateError},
	StateReview:             {StateApproved, StateError},
	StateApproved:           {StatePublished, StateError},
	StateError:              {StateQueued},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to ActaState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResolverResult is the outcome of resolving one segment binding.
type ResolverResult struct {
	BindingID     string   `json:"binding_id"`
	SegmentCode   string   `json:"segment_code"`
	SegmentName   string   `json:"segment_name"`
	Order         int      `json:"order"`
	Status        string   `json:"status"`
	RawResponse   string   `json:"raw_response,omitempty"`
	ParsedPayload any      `json:"parsed_payload,omitempty"`
	Rendered      string   `json:"rendered,omitempty"`
	ProviderUsed  string   `json:"provider_used_ref,omitempty"`
	LatencyMillis int64    `json:"latency_ms"`
	Tokens        int64    `json:"tokens"`
	Attempts      int      `json:"attempts"`
	Warnings      []string `json:"warnings,omitempty"`
	ErrorClass    string   `json:"error_class,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// Resolver result statuses.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// ChangeLogEntry is one line of the append-only audit trail attached to an
// acta.
type ChangeLogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Event     string         `json:"event"`
	Progress  int            `json:"progress"`
	Actor     string         `json:"actor,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ActaTimestamps collects the lifecycle dates of an acta.
type ActaTimestamps struct {
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Reviewed  *time.Time `json:"reviewed,omitempty"`
	Approved  *time.Time `json:"approved,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

// Acta is one meeting-minutes record produced by a composition run.
type Acta struct {
	ID               string                    `json:"id" db:"id"`
	Number           string                    `json:"number" db:"number"`
	Title            string                    `json:"title" db:"title"`
	TemplateRef      string                    `json:"template_ref" db:"template_id"`
	TranscriptionRef string                    `json:"transcription_ref" db:"transcription_id"`
	ProviderRef      string                    `json:"provider_ref" db:"provider_id"`
	State            ActaState                 `json:"state" db:"state"`
	Progress         int                       `json:"progress" db:"progress"`
	SegmentResults   map[string]ResolverResult `json:"segment_results,omitempty"`
	DraftText        string                    `json:"draft_text,omitempty" db:"draft_text"`
	FinalText        string                    `json:"final_text,omitempty" db:"final_text"`
	FinalHTML        string                    `json:"final_html,omitempty" db:"final_html"`
	Metrics          map[string]any            `json:"metrics,omitempty"`
	ChangeLog        []ChangeLogEntry          `json:"change_log,omitempty"`
	ErrorMessage     string                    `json:"error_message,omitempty" db:"error_message"`
	TaskHandle       string                    `json:"task_handle,omitempty" db:"task_handle"`
	SessionDate      time.Time                 `json:"session_date" db:"session_date"`
	CreatedBy        string                    `json:"created_by,omitempty" db:"created_by"`
	Timestamps       ActaTimestamps            `json:"timestamps"`
	UpdatedAt        time.Time                 `json:"updated_at" db:"updated_at"`
}

// OrderedResults returns segment results sorted by binding order.
func (a *Acta) OrderedResults() []ResolverResult {
	out := make([]ResolverResult, 0, len(a.SegmentResults))
	for _, r := range a.SegmentResults {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Order < out[j-1].Order; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CanProcess reports whether a composition run may be started or restarted.
func (a *Acta) CanProcess() bool {
	return a.State == StateDraft || a.State == StateError
}
