package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger types for a policy entry. The zero value schedules the
// triggered activity one hour out.
const (
	TriggerTypeSchedule  = ""
	TriggerTypeRecurring = "recurring"
	TriggerTypeStart     = "start"
	TriggerTypeComplete  = "complete"
)

// defaultTriggerLead is how far ahead a triggered activity is scheduled
// when the policy does not say otherwise.
const defaultTriggerLead = time.Hour

// TriggerActivity is one declarative cascade entry: after the owning
// handler completes, create an activity of Model and drive it per Type.
type TriggerActivity struct {
	// Model is the data-model key of the activity to create.
	Model string

	// Type selects what happens to the created activity: schedule
	// (default), recurring schedule, start, or complete.
	Type string

	// Case restricts the entry to one policy case (e.g. a patient risk
	// band). When the policy runs under a nonzero case, only entries
	// with that exact case fire; a case-0 run fires every entry.
	Case int

	// Context names an operational tag the target location must carry,
	// otherwise the entry is suppressed.
	Context string

	// CancelOthers cancels open sibling activities of Model under the
	// same parent before creating the new one.
	CancelOthers bool

	// Data is submitted to the created activity before completing it
	// (Type complete only).
	Data map[string]any

	// Domains suppress the entry when any spec matches an existing
	// activity under the parent.
	Domains []DomainSpec
}

// Policy is the declarative cascade description a handler advertises
// through the PolicyHolder interface.
type Policy struct {
	Activities []TriggerActivity
}

// StateChange tells TriggerPolicyChangeState how to drive a triggered
// activity.
type StateChange struct {
	Type string
	Data map[string]any
}

// TriggerPolicy runs a handler's cascade after one of its activities
// completed. It executes inside the caller's transaction: a cascade
// failure aborts the triggering transition. Activities without a
// parent have no sibling scope and never cascade.
func (s *Service) TriggerPolicy(ctx context.Context, activityID uuid.UUID, policy *Policy, locationID *uuid.UUID, caseNo int) error {
	if policy == nil || len(policy.Activities) == 0 {
		return nil
	}
	act, err := s.repo.GetByID(ctx, activityID)
	if err != nil {
		return err
	}
	if act.ParentID == nil {
		return nil
	}
	for _, trigger := range policy.Activities {
		if caseNo != 0 && trigger.Case != caseNo {
			continue
		}
		allowed, err := s.CheckPolicyActivityContext(ctx, trigger, locationID)
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}
		if len(trigger.Domains) > 0 {
			matched, err := s.CheckTriggerDomains(ctx, trigger.Domains, *act.ParentID)
			if err != nil {
				return err
			}
			if matched {
				continue
			}
		}
		handler, err := s.reg.Resolve(trigger.Model)
		if err != nil {
			return err
		}
		if trigger.CancelOthers {
			if err := s.TriggerPolicyCancelOthers(ctx, *act.ParentID, trigger.Model, act.DataModel); err != nil {
				return err
			}
		}
		created, err := s.TriggerPolicyCreateActivity(ctx, act, handler, caseNo)
		if err != nil {
			return err
		}
		change := StateChange{Type: trigger.Type, Data: trigger.Data}
		if err := s.TriggerPolicyChangeState(ctx, created.ID, change); err != nil {
			return err
		}
	}
	return nil
}

// TriggerPolicyChangeState drives a freshly triggered activity into its
// policy-mandated state: started, completed (optionally submitting data
// first), or scheduled. Recurring activities schedule by the frequency
// recorded in their payload; everything else schedules an hour out.
func (s *Service) TriggerPolicyChangeState(ctx context.Context, id uuid.UUID, change StateChange) error {
	switch change.Type {
	case TriggerTypeStart:
		return s.Start(ctx, id)
	case TriggerTypeComplete:
		if len(change.Data) > 0 {
			if err := s.Submit(ctx, id, change.Data); err != nil {
				return err
			}
		}
		_, err := s.Complete(ctx, id)
		return err
	case TriggerTypeRecurring:
		lead, err := s.recurrenceLead(ctx, id)
		if err != nil {
			return err
		}
		return s.Schedule(ctx, id, s.now().Add(lead))
	case TriggerTypeSchedule:
		return s.Schedule(ctx, id, s.now().Add(defaultTriggerLead))
	default:
		return fmt.Errorf("%w: unknown policy trigger type %q", ErrInvalidArgument, change.Type)
	}
}

// recurrenceLead reads the activity payload's frequency (minutes),
// falling back to the default lead when unset.
func (s *Service) recurrenceLead(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	data, err := s.GetData(ctx, id)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return defaultTriggerLead, nil
	}
	switch freq := data.Values["frequency"].(type) {
	case int:
		return time.Duration(freq) * time.Minute, nil
	case int64:
		return time.Duration(freq) * time.Minute, nil
	case float64:
		return time.Duration(freq) * time.Minute, nil
	default:
		return defaultTriggerLead, nil
	}
}

// TriggerPolicyCancelOthers cancels every open sibling activity of the
// model under the parent. A superseding placement stamps the seeded
// cancellation reason on the siblings it cancels; other models cancel
// without a reason.
func (s *Service) TriggerPolicyCancelOthers(ctx context.Context, parentID uuid.UUID, model, triggeringModel string) error {
	var reasonID *uuid.UUID
	if triggeringModel == PlacementDataModel {
		reason, err := s.repo.GetCancelReasonByName(ctx, ReasonCancelledByPlacement)
		if err != nil {
			return err
		}
		reasonID = &reason.ID
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.cancelOpenLocked(ctx, parentID, model, reasonID)
	})
}

// TriggerPolicyCreateActivity creates the cascaded activity of the
// handler's model: grouped under the triggering activity's parent, with
// the triggering activity as creator. Handlers exposing
// PolicyCreateData contribute payload values, possibly per case.
func (s *Service) TriggerPolicyCreateActivity(ctx context.Context, creator *Activity, h Handler, caseNo int) (*Activity, error) {
	info := map[string]any{
		"data_model": h.Model(),
		"creator_id": creator.ID,
	}
	if creator.ParentID != nil {
		info["parent_id"] = *creator.ParentID
	}
	data := map[string]any{}
	if provider, ok := h.(PolicyDataProvider); ok {
		for k, v := range provider.PolicyCreateData(caseNo) {
			data[k] = v
		}
	}
	return s.CreateActivity(ctx, info, data)
}

// CheckTriggerDomains reports whether any domain spec matches at least
// one activity under the parent. An empty spec list vacuously matches
// nothing.
func (s *Service) CheckTriggerDomains(ctx context.Context, specs []DomainSpec, parentID uuid.UUID) (bool, error) {
	for _, spec := range specs {
		n, err := s.repo.CountMatching(ctx, spec.Model, &parentID, spec.Domain)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CheckPolicyActivityContext gates a trigger on the target location's
// operational context tags. Entries without a context, unknown
// locations and a missing directory all default to allowed.
func (s *Service) CheckPolicyActivityContext(ctx context.Context, trigger TriggerActivity, locationID *uuid.UUID) (bool, error) {
	if trigger.Context == "" || locationID == nil || s.locations == nil {
		return true, nil
	}
	tags, err := s.locations.Tags(ctx, *locationID)
	if err != nil {
		return false, err
	}
	for _, tag := range tags {
		if tag == trigger.Context {
			return true, nil
		}
	}
	return false, nil
}
