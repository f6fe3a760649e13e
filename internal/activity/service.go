package activity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type actorKey struct{}

// WithActor returns a context carrying the acting user. The engine
// never reads ambient state: the actor travels explicitly in ctx,
// placed there by the auth middleware or by the calling collaborator.
func WithActor(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the acting user carried by ctx, if any.
func ActorFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorKey{}).(uuid.UUID)
	return id, ok
}

// Service is the lifecycle state machine. Every transition validates
// legality against the transition table, dispatches the registered
// handler's hook of the same name, and writes the new state plus the
// operation's timestamp and actor fields. State writes bump the
// process-wide sequence counter in the store.
type Service struct {
	repo      Repository
	reg       *Registry
	tx        TxManager
	staff     StaffDirectory
	locations LocationDirectory
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, reg *Registry, tx TxManager, staff StaffDirectory, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		reg:   reg,
		tx:    tx,
		staff: staff,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetLocationDirectory attaches the optional location directory used by
// the policy context gate. Without one, context-tagged triggers are
// always allowed.
func (s *Service) SetLocationDirectory(d LocationDirectory) {
	s.locations = d
}

// Registry exposes the record-type registry, e.g. for capability
// listings.
func (s *Service) Registry() *Registry { return s.reg }

// infoFields are the activity_info keys accepted by CreateActivity.
var infoFields = map[string]bool{
	"data_model":     true,
	"summary":        true,
	"notes":          true,
	"parent_id":      true,
	"creator_id":     true,
	"date_scheduled": true,
}

// CreateActivity creates an activity of the data model named in info,
// in state new. A non-empty data payload is submitted immediately,
// creating the typed data record.
func (s *Service) CreateActivity(ctx context.Context, info, data map[string]any) (*Activity, error) {
	if info == nil {
		return nil, fmt.Errorf("%w on activity", ErrMissingDataModel)
	}
	model, _ := info["data_model"].(string)
	if model == "" {
		return nil, fmt.Errorf("%w on activity", ErrMissingDataModel)
	}
	handler, err := s.reg.Resolve(model)
	if err != nil {
		return nil, err
	}

	act := &Activity{
		ID:        uuid.New(),
		DataModel: model,
		State:     StateNew,
		Summary:   handler.Description(),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		act.CreateUID = &actor
	}
	for key, val := range info {
		if !infoFields[key] {
			return nil, fmt.Errorf("%w: unknown activity field %q", ErrInvalidArgument, key)
		}
		switch key {
		case "data_model":
		case "summary":
			str, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: summary must be a string", ErrInvalidArgument)
			}
			act.Summary = str
		case "notes":
			str, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: notes must be a string", ErrInvalidArgument)
			}
			act.Notes = &str
		case "parent_id":
			id, err := asUUID(val)
			if err != nil {
				return nil, fmt.Errorf("%w: parent_id: %v", ErrInvalidArgument, err)
			}
			act.ParentID = &id
		case "creator_id":
			id, err := asUUID(val)
			if err != nil {
				return nil, fmt.Errorf("%w: creator_id: %v", ErrInvalidArgument, err)
			}
			act.CreatorID = &id
		case "date_scheduled":
			at, err := ParseScheduleDate(val)
			if err != nil {
				return nil, err
			}
			act.DateScheduled = &at
		}
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, act); err != nil {
			return err
		}
		if len(data) > 0 {
			if err := s.submitLocked(ctx, act, handler, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("data_model", model).
		Str("activity_id", act.ID.String()).
		Msg("activity created")
	return s.repo.GetByID(ctx, act.ID)
}

// Get returns an activity by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Activity, error) {
	return s.repo.GetByID(ctx, id)
}

// GetData returns the activity's data record, or nil when no payload
// has been submitted yet.
func (s *Service) GetData(ctx context.Context, id uuid.UUID) (*DataRecord, error) {
	act, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if act.DataRef == nil {
		return nil, nil
	}
	return s.repo.GetData(ctx, *act.DataRef)
}

// List returns activities matching the filter plus the total count.
func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Activity, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Write performs a generic administrative field update. It is the only
// way to clear the assignment lock. Writes that change state bump the
// sequence counter; any other write leaves it untouched.
func (s *Service) Write(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetForUpdate(ctx, id); err != nil {
			return err
		}
		return s.repo.Write(ctx, id, fields)
	})
}

// GetRecursiveCreatedIDs returns the activity's id plus the transitive
// closure of activities whose creator chain roots at it, ascending.
func (s *Service) GetRecursiveCreatedIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{id: true}
	queue := []uuid.UUID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		children, err := s.repo.CreatedBy(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	ids := make([]uuid.UUID, 0, len(seen))
	for a := range seen {
		ids = append(ids, a)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// lockAndResolve row-locks the activity inside the current transaction
// and resolves its handler, so the check-then-write of a transition is
// serialized per activity.
func (s *Service) lockAndResolve(ctx context.Context, id uuid.UUID) (*Activity, Handler, error) {
	act, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	handler, err := s.reg.Resolve(act.DataModel)
	if err != nil {
		return nil, nil, err
	}
	return act, handler, nil
}

func checkAction(act *Activity, action string) error {
	if !IsActionAllowed(act.State, action) {
		return illegalTransition(act.DataModel, act.State, action)
	}
	return nil
}

// Schedule moves the activity to scheduled. With no date the existing
// date_scheduled must already be set and is preserved; with a date, the
// supported string granularities and native times are accepted.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, date any) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAction(act, ActionSchedule); err != nil {
			return err
		}
		var at time.Time
		if date == nil {
			if act.DateScheduled == nil {
				return ErrMissingScheduleDate
			}
			at = *act.DateScheduled
		} else {
			at, err = ParseScheduleDate(date)
			if err != nil {
				return err
			}
		}
		if err := handler.Schedule(ctx, act, at); err != nil {
			return err
		}
		if err := s.repo.Write(ctx, id, map[string]any{
			"state":          StateScheduled,
			"date_scheduled": at,
		}); err != nil {
			return err
		}
		s.log.Debug().
			Str("data_model", act.DataModel).
			Str("activity_id", id.String()).
			Time("date_scheduled", at).
			Msg("activity scheduled")
		return nil
	})
}

// Start moves the activity to started and stamps date_started.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAction(act, ActionStart); err != nil {
			return err
		}
		if err := handler.Start(ctx, act); err != nil {
			return err
		}
		if err := s.repo.Write(ctx, id, map[string]any{
			"state":        StateStarted,
			"date_started": s.now(),
		}); err != nil {
			return err
		}
		s.log.Debug().
			Str("data_model", act.DataModel).
			Str("activity_id", id.String()).
			Msg("activity started")
		return nil
	})
}

// Complete moves the activity to completed, stamps the terminating user
// and time, and returns the handler's result. When the handler carries
// a declarative policy, the cascade runs inside the same transaction so
// a cascade failure rolls the completion back.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (any, error) {
	var result any
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAction(act, ActionComplete); err != nil {
			return err
		}
		var data *DataRecord
		if act.DataRef != nil {
			if data, err = s.repo.GetData(ctx, *act.DataRef); err != nil {
				return err
			}
		}
		if result, err = handler.Complete(ctx, act, data); err != nil {
			return err
		}
		fields := map[string]any{
			"state":           StateCompleted,
			"date_terminated": s.now(),
		}
		if actor, ok := ActorFromContext(ctx); ok {
			fields["terminate_uid"] = actor
		}
		if err := s.repo.Write(ctx, id, fields); err != nil {
			return err
		}
		if holder, ok := handler.(PolicyHolder); ok {
			if err := s.TriggerPolicy(ctx, id, holder.Policy(), nil, 0); err != nil {
				return err
			}
		}
		s.log.Debug().
			Str("data_model", act.DataModel).
			Str("activity_id", id.String()).
			Msg("activity completed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel moves the activity to cancelled and stamps the terminating
// user and time.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.cancelLocked(ctx, id, nil)
	})
}

// CancelWithReason cancels the activity and records why.
func (s *Service) CancelWithReason(ctx context.Context, id, reasonID uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.cancelLocked(ctx, id, &reasonID)
	})
}

func (s *Service) cancelLocked(ctx context.Context, id uuid.UUID, reasonID *uuid.UUID) error {
	act, handler, err := s.lockAndResolve(ctx, id)
	if err != nil {
		return err
	}
	if err := checkAction(act, ActionCancel); err != nil {
		return err
	}
	if err := handler.Cancel(ctx, act); err != nil {
		return err
	}
	fields := map[string]any{
		"state":           StateCancelled,
		"date_terminated": s.now(),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		fields["terminate_uid"] = actor
	}
	if reasonID != nil {
		fields["cancel_reason_id"] = *reasonID
	}
	if err := s.repo.Write(ctx, id, fields); err != nil {
		return err
	}
	s.log.Debug().
		Str("data_model", act.DataModel).
		Str("activity_id", id.String()).
		Msg("activity cancelled")
	return nil
}

// CancelOpenActivities cancels every non-terminal activity of the model
// under the parent, in one transaction. Used when a new operation
// supersedes stale ones.
func (s *Service) CancelOpenActivities(ctx context.Context, parentID uuid.UUID, model string) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.cancelOpenLocked(ctx, parentID, model, nil)
	})
}

func (s *Service) cancelOpenLocked(ctx context.Context, parentID uuid.UUID, model string, reasonID *uuid.UUID) error {
	open, err := s.repo.FindOpen(ctx, model, &parentID)
	if err != nil {
		return err
	}
	for _, act := range open {
		if err := s.cancelLocked(ctx, act.ID, reasonID); err != nil {
			return err
		}
	}
	return nil
}

// Submit records the business payload. On first call the data record is
// created and linked through data_ref; afterwards the existing record's
// fields are updated in place. The state does not change.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, vals map[string]any) error {
	if vals == nil {
		return fmt.Errorf("%w: vals must be a mapping", ErrInvalidArgument)
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		return s.submitLocked(ctx, act, handler, vals)
	})
}

func (s *Service) submitLocked(ctx context.Context, act *Activity, handler Handler, vals map[string]any) error {
	if err := checkAction(act, ActionSubmit); err != nil {
		return err
	}
	if err := handler.Submit(ctx, act, vals); err != nil {
		return err
	}
	if act.DataRef == nil {
		rec := &DataRecord{
			ID:         uuid.New(),
			ActivityID: act.ID,
			Model:      act.DataModel,
			Values:     copyValues(vals),
		}
		if err := s.repo.CreateData(ctx, rec); err != nil {
			return err
		}
		if err := s.repo.Write(ctx, act.ID, map[string]any{"data_ref": rec.ID}); err != nil {
			return err
		}
		act.DataRef = &rec.ID
	} else {
		if err := s.repo.UpdateData(ctx, *act.DataRef, copyValues(vals)); err != nil {
			return err
		}
	}
	s.log.Debug().
		Str("data_model", act.DataModel).
		Str("activity_id", act.ID.String()).
		Int("fields", len(vals)).
		Msg("activity data submitted")
	return handler.UpdateActivity(ctx, act)
}

// Assign hands the activity to a user and latches the assignment lock.
func (s *Service) Assign(ctx context.Context, id, userID uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAction(act, ActionAssign); err != nil {
			return err
		}
		exists, err := s.staff.Exists(ctx, userID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrInvalidUser, userID)
		}
		if act.UserID != nil {
			return fmt.Errorf("%w to %s", ErrAlreadyAssigned, *act.UserID)
		}
		if err := handler.Assign(ctx, act, userID); err != nil {
			return err
		}
		if err := s.repo.Write(ctx, id, map[string]any{
			"user_id":       userID,
			"assign_locked": true,
		}); err != nil {
			return err
		}
		s.log.Debug().
			Str("data_model", act.DataModel).
			Str("activity_id", id.String()).
			Str("user_id", userID.String()).
			Msg("activity assigned")
		return nil
	})
}

// Unassign releases the activity. Only the current assignee may do it,
// and a locked assignment is left untouched without error: accidental
// unassignment must not silently drop ownership of a claimed task. The
// lock can only be cleared by an administrative Write.
func (s *Service) Unassign(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAction(act, ActionUnassign); err != nil {
			return err
		}
		if act.UserID == nil {
			return ErrNoAssignee
		}
		actor, ok := ActorFromContext(ctx)
		if !ok || actor != *act.UserID {
			return ErrNotOwner
		}
		if act.AssignLocked {
			s.log.Debug().
				Str("activity_id", id.String()).
				Msg("activity assignment locked, unassign skipped")
			return nil
		}
		if err := handler.Unassign(ctx, act); err != nil {
			return err
		}
		return s.repo.Write(ctx, id, map[string]any{"user_id": nil})
	})
}

// UpdateActivity dispatches the handler's neutral update hook without
// changing state.
func (s *Service) UpdateActivity(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		act, handler, err := s.lockAndResolve(ctx, id)
		if err != nil {
			return err
		}
		return handler.UpdateActivity(ctx, act)
	})
}

// GetOpenActivity returns the single open activity of the model under
// the parent, or nil when there is none. More than one open activity
// for a model that assumes exclusivity is a data fault and errors.
func (s *Service) GetOpenActivity(ctx context.Context, model string, parentID uuid.UUID) (*Activity, error) {
	open, err := s.repo.FindOpen(ctx, model, &parentID)
	if err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return open[0], nil
	default:
		return nil, fmt.Errorf("expected at most one open %q activity under parent %s, found %d",
			model, parentID, len(open))
	}
}

// GetLatestOpenActivity returns the most recently created open activity
// of the model under the parent, or nil.
func (s *Service) GetLatestOpenActivity(ctx context.Context, model string, parentID uuid.UUID) (*Activity, error) {
	open, err := s.repo.FindOpen(ctx, model, &parentID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open[len(open)-1], nil
}

// GetOpenActivities returns the open activities of the model, under one
// parent or under all parents when parentID is nil.
func (s *Service) GetOpenActivities(ctx context.Context, model string, parentID *uuid.UUID) ([]*Activity, error) {
	return s.repo.FindOpen(ctx, model, parentID)
}

func copyValues(vals map[string]any) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		out[k] = v
	}
	return out
}

func asUUID(val any) (uuid.UUID, error) {
	switch v := val.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	default:
		return uuid.Nil, fmt.Errorf("expected id, found %T", val)
	}
}
