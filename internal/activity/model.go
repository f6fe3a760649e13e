package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an activity.
type State string

const (
	StateNew       State = "new"
	StateScheduled State = "scheduled"
	StateStarted   State = "started"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Lifecycle actions, used both as transition-table keys and as the
// dispatch names for handler hooks.
const (
	ActionSchedule = "schedule"
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionSubmit   = "submit"
	ActionAssign   = "assign"
	ActionUnassign = "unassign"
)

// transitions maps each state to the actions allowed from it. Terminal
// states allow nothing.
var transitions = map[State][]string{
	StateNew: {ActionSchedule, ActionStart, ActionComplete, ActionCancel,
		ActionSubmit, ActionAssign, ActionUnassign},
	StateScheduled: {ActionSchedule, ActionStart, ActionComplete, ActionCancel,
		ActionSubmit, ActionAssign, ActionUnassign},
	StateStarted: {ActionComplete, ActionCancel, ActionSubmit, ActionAssign,
		ActionUnassign},
	StateCompleted: {},
	StateCancelled: {},
}

// IsActionAllowed tells us if the action may be executed from the state.
func IsActionAllowed(state State, action string) bool {
	for _, a := range transitions[state] {
		if a == action {
			return true
		}
	}
	return false
}

// Activity is the generic unit-of-work and audit record every clinical
// operation is driven through. The business payload lives in a separate
// DataRecord owned via DataRef; which operation the payload belongs to
// is named by DataModel.
type Activity struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Summary   string    `db:"summary" json:"summary"`
	Notes     *string   `db:"notes" json:"notes,omitempty"`
	DataModel string    `db:"data_model" json:"data_model"`
	DataRef   *uuid.UUID `db:"data_ref" json:"data_ref,omitempty"`
	State     State     `db:"state" json:"state"`

	// Sequence is a process-wide monotonic counter bumped exactly once
	// per state transition. It is the global audit ordering key.
	Sequence int64 `db:"sequence" json:"sequence"`

	// ParentID is the structural grouping hierarchy (e.g. the hospital
	// spell); CreatorID is the evolution hierarchy used for cascades.
	ParentID  *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	CreatorID *uuid.UUID `db:"creator_id" json:"creator_id,omitempty"`

	UserID       *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	AssignLocked bool       `db:"assign_locked" json:"assign_locked"`

	CreateUID    *uuid.UUID `db:"create_uid" json:"create_uid,omitempty"`
	TerminateUID *uuid.UUID `db:"terminate_uid" json:"terminate_uid,omitempty"`

	DateScheduled  *time.Time `db:"date_scheduled" json:"date_scheduled,omitempty"`
	DateStarted    *time.Time `db:"date_started" json:"date_started,omitempty"`
	DateTerminated *time.Time `db:"date_terminated" json:"date_terminated,omitempty"`

	CancelReasonID *uuid.UUID `db:"cancel_reason_id" json:"cancel_reason_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DataRecord is the typed business payload owned one-to-one by an
// activity. It is created lazily on first submit and updated in place
// afterwards; it never exists without its owning activity.
type DataRecord struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	ActivityID uuid.UUID        `db:"activity_id" json:"activity_id"`
	Model      string           `db:"model" json:"model"`
	Values     map[string]any   `db:"values" json:"values"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// ValuesJSON serialises the payload for storage.
func (d *DataRecord) ValuesJSON() ([]byte, error) {
	if d.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Values)
}

// CancelReason labels why an activity was cancelled. System reasons are
// seeded by migration and referenced by name, e.g. when a new placement
// supersedes open ones.
type CancelReason struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Name   string    `db:"name" json:"name"`
	System bool      `db:"system" json:"system"`
}

// ReasonCancelledByPlacement names the seeded reason stamped on
// activities cancelled because a new placement superseded them.
const ReasonCancelledByPlacement = "cancelled_by_placement"

// PlacementDataModel is the handler key of the bed-placement operation.
// The policy engine special-cases it when cancelling superseded
// siblings.
const PlacementDataModel = "patient.placement"

// scheduleLayouts are the accepted granularities for schedule dates,
// most precise first. Missing components default to zero.
var scheduleLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15",
	"2006-01-02",
}

// ParseScheduleDate normalises a schedule argument. It accepts a native
// time.Time or a date string in any of the supported granularities;
// anything else fails with ErrInvalidDateFormat.
func ParseScheduleDate(date any) (time.Time, error) {
	switch v := date.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("%w: nil date", ErrInvalidDateFormat)
		}
		return *v, nil
	case string:
		for _, layout := range scheduleLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: expected date formatted string, found %q", ErrInvalidDateFormat, v)
	default:
		return time.Time{}, fmt.Errorf("%w: date must be a time or a date formatted string, found %T", ErrInvalidDateFormat, date)
	}
}
