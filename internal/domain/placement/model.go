package placement

import (
	"time"

	"github.com/google/uuid"
)

// Location is a care location a patient can be placed into. ContextTags
// mark the operational contexts active on the location; policy entries
// gated on a context only fire where the tag is present.
type Location struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	ContextTags []string  `json:"context_tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Payload field keys for the placement data record.
const (
	FieldPatientID  = "patient_id"
	FieldLocationID = "location_id"
	FieldReason     = "reason"
)

// ReviewDataModel is the follow-up review operation the placement
// cascade schedules once a patient lands in a bed.
const ReviewDataModel = "patient.review"
