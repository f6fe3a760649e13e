package placement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wardflow/wardflow/internal/activity"
)

// Handler is the bed-placement operation. Its payload carries the
// patient and the destination location; completing it reports where the
// patient was placed and cascades a follow-up review, superseding any
// review still open from an earlier placement.
type Handler struct {
	activity.BaseHandler
	locations LocationRepository
}

func NewHandler(locations LocationRepository) *Handler {
	return &Handler{
		BaseHandler: activity.NewBaseHandler(activity.PlacementDataModel, "Patient Placement"),
		locations:   locations,
	}
}

// Register wires the placement operation and its follow-up review into
// the registry.
func Register(reg *activity.Registry, locations LocationRepository) {
	reg.MustRegister(NewHandler(locations))
	reg.MustRegister(NewReviewHandler())
}

func payloadUUID(vals map[string]any, key string) (uuid.UUID, bool, error) {
	raw, ok := vals[key]
	if !ok {
		return uuid.Nil, false, nil
	}
	switch v := raw.(type) {
	case uuid.UUID:
		return v, true, nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, true, fmt.Errorf("%s is not a valid uuid: %w", key, err)
		}
		return id, true, nil
	default:
		return uuid.Nil, true, fmt.Errorf("%s has unsupported type %T", key, raw)
	}
}

func (h *Handler) Submit(ctx context.Context, act *activity.Activity, vals map[string]any) error {
	if _, present, err := payloadUUID(vals, FieldPatientID); err != nil {
		return err
	} else if !present && act.DataRef == nil {
		return fmt.Errorf("placement requires %s", FieldPatientID)
	}
	locID, present, err := payloadUUID(vals, FieldLocationID)
	if err != nil {
		return err
	}
	if present {
		if _, err := h.locations.GetByID(ctx, locID); err != nil {
			return fmt.Errorf("placement destination: %w", err)
		}
	}
	return nil
}

// Complete requires a destination and returns the placed location id.
func (h *Handler) Complete(ctx context.Context, act *activity.Activity, data *activity.DataRecord) (any, error) {
	if data == nil {
		return nil, fmt.Errorf("placement has no submitted data")
	}
	locID, present, err := payloadUUID(data.Values, FieldLocationID)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("placement cannot complete without %s", FieldLocationID)
	}
	return locID, nil
}

// Policy schedules a patient review after each completed placement,
// cancelling reviews left open by the placement it supersedes.
func (h *Handler) Policy() *activity.Policy {
	return &activity.Policy{
		Activities: []activity.TriggerActivity{
			{
				Model:        ReviewDataModel,
				Type:         activity.TriggerTypeSchedule,
				CancelOthers: true,
			},
		},
	}
}

// ReviewHandler is the post-placement review operation. It has no
// business effect of its own; the cascade creates and schedules it.
type ReviewHandler struct {
	activity.BaseHandler
}

func NewReviewHandler() *ReviewHandler {
	return &ReviewHandler{
		BaseHandler: activity.NewBaseHandler(ReviewDataModel, "Patient Review"),
	}
}

// PolicyCreateData seeds the review payload when the cascade creates
// it. The case number, when present, records the urgency band the
// triggering policy ran under.
func (h *ReviewHandler) PolicyCreateData(caseNo int) map[string]any {
	if caseNo == 0 {
		return map[string]any{}
	}
	return map[string]any{"urgency": caseNo}
}
