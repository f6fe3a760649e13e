package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

const parentModel = "test.parentop"

// withPolicyHandler registers a cascading handler for parentModel whose
// completion triggers the given entries.
func withPolicyHandler(f *fixture, entries ...TriggerActivity) *testHandler {
	h := newTestHandler(parentModel)
	h.policy = &Policy{Activities: entries}
	f.reg.MustRegister(policyHandler{h})
	return h
}

// createTriggering creates a grouping parent plus an activity of
// parentModel under it, returning both.
func createTriggering(t *testing.T, f *fixture) (parent, trigger *Activity) {
	t.Helper()
	parent = f.create(t, nil, nil)
	trigger = f.create(t, map[string]any{
		"data_model": parentModel,
		"parent_id":  parent.ID,
	}, nil)
	return parent, trigger
}

// openOfModel returns the open activities of a model excluding the given
// ids, so tests can find what a cascade created.
func openOfModel(t *testing.T, f *fixture, model string, exclude ...uuid.UUID) []*Activity {
	t.Helper()
	open, err := f.svc.GetOpenActivities(context.Background(), model, nil)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	skip := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []*Activity
	for _, act := range open {
		if !skip[act.ID] {
			out = append(out, act)
		}
	}
	return out
}

func TestTriggerPolicy_SchedulesCascade(t *testing.T) {
	f := newFixture(t)
	withPolicyHandler(f, TriggerActivity{Model: testModel})
	fixed := time.Date(2015, 10, 10, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cascaded := openOfModel(t, f, testModel, parent.ID)
	if len(cascaded) != 1 {
		t.Fatalf("expected 1 cascaded activity, got %d", len(cascaded))
	}
	got := cascaded[0]
	if got.State != StateScheduled {
		t.Errorf("expected scheduled, got %s", got.State)
	}
	if got.ParentID == nil || *got.ParentID != parent.ID {
		t.Errorf("expected cascade grouped under %s, got %v", parent.ID, got.ParentID)
	}
	if got.CreatorID == nil || *got.CreatorID != trigger.ID {
		t.Errorf("expected creator %s, got %v", trigger.ID, got.CreatorID)
	}
	want := fixed.Add(time.Hour)
	if got.DateScheduled == nil || !got.DateScheduled.Equal(want) {
		t.Errorf("expected default lead %v, got %v", want, got.DateScheduled)
	}
}

func TestTriggerPolicy_NoParentNoCascade(t *testing.T) {
	f := newFixture(t)
	withPolicyHandler(f, TriggerActivity{Model: testModel})
	ctx := context.Background()

	trigger := f.create(t, map[string]any{"data_model": parentModel}, nil)
	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel); len(cascaded) != 0 {
		t.Errorf("expected no cascade without a parent, got %d", len(cascaded))
	}
}

func TestTriggerPolicy_CancelOthers(t *testing.T) {
	f := newFixture(t)
	withPolicyHandler(f, TriggerActivity{Model: testModel, CancelOthers: true})
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	stale := f.create(t, map[string]any{"parent_id": parent.ID}, nil)

	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.svc.Get(ctx, stale.ID)
	if got.State != StateCancelled {
		t.Errorf("expected stale sibling cancelled, got %s", got.State)
	}
	if got.CancelReasonID != nil {
		t.Errorf("expected no reason for a non-placement trigger, got %v", got.CancelReasonID)
	}

	cascaded := openOfModel(t, f, testModel, parent.ID)
	if len(cascaded) != 1 {
		t.Errorf("expected exactly the fresh cascade open, got %d", len(cascaded))
	}
}

func TestTriggerPolicy_PlacementStampsReason(t *testing.T) {
	f := newFixture(t)
	reason := f.repo.seedCancelReason(ReasonCancelledByPlacement)

	h := newTestHandler(PlacementDataModel)
	h.policy = &Policy{Activities: []TriggerActivity{{Model: testModel, CancelOthers: true}}}
	f.reg.MustRegister(policyHandler{h})
	ctx := context.Background()

	parent := f.create(t, nil, nil)
	stale := f.create(t, map[string]any{"parent_id": parent.ID}, nil)
	trigger := f.create(t, map[string]any{
		"data_model": PlacementDataModel,
		"parent_id":  parent.ID,
	}, nil)

	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.svc.Get(ctx, stale.ID)
	if got.State != StateCancelled {
		t.Fatalf("expected superseded sibling cancelled, got %s", got.State)
	}
	if got.CancelReasonID == nil || *got.CancelReasonID != reason.ID {
		t.Errorf("expected seeded reason %s, got %v", reason.ID, got.CancelReasonID)
	}
}

func TestTriggerPolicy_CaseFilter(t *testing.T) {
	f := newFixture(t)
	f.reg.MustRegister(newTestHandler(parentModel))
	policy := &Policy{Activities: []TriggerActivity{
		{Model: testModel},
		{Model: testModel, Case: 1},
		{Model: testModel, Case: 2},
	}}
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	// Under a nonzero case only the exact-case entry fires; the caseless
	// entry is skipped too.
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, policy, nil, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cascaded := openOfModel(t, f, testModel, parent.ID)
	if len(cascaded) != 1 {
		t.Errorf("expected only the matching case to fire, got %d", len(cascaded))
	}
}

func TestTriggerPolicy_ContextGate(t *testing.T) {
	f := newFixture(t)
	f.reg.MustRegister(newTestHandler(parentModel))
	ward := uuid.New()
	f.svc.SetLocationDirectory(&mockLocations{tags: map[uuid.UUID][]string{
		ward: {"eobs"},
	}})
	policy := &Policy{Activities: []TriggerActivity{{Model: testModel, Context: "icu"}}}
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, policy, &ward, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel, parent.ID); len(cascaded) != 0 {
		t.Errorf("expected entry suppressed by missing context tag, got %d", len(cascaded))
	}

	// The tag the ward does carry lets the entry through.
	policy.Activities[0].Context = "eobs"
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, policy, &ward, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel, parent.ID); len(cascaded) != 1 {
		t.Errorf("expected entry allowed by context tag, got %d", len(cascaded))
	}

	// Without a location the gate defaults to allowed.
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, &Policy{
		Activities: []TriggerActivity{{Model: testModel, Context: "icu"}},
	}, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel, parent.ID); len(cascaded) != 2 {
		t.Errorf("expected entry allowed without a location, got %d", len(cascaded))
	}
}

func TestTriggerPolicy_DomainSuppression(t *testing.T) {
	f := newFixture(t)
	f.reg.MustRegister(newTestHandler(parentModel))
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	existing := f.create(t, map[string]any{"parent_id": parent.ID}, nil)
	if _, err := f.svc.Complete(ctx, existing.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	policy := &Policy{Activities: []TriggerActivity{{
		Model: testModel,
		Domains: []DomainSpec{{
			Model:  testModel,
			Domain: []Condition{{Field: "state", Op: OpEq, Value: "completed"}},
		}},
	}}}
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, policy, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel, parent.ID); len(cascaded) != 0 {
		t.Errorf("expected entry suppressed by matching domain, got %d", len(cascaded))
	}

	// A domain matching nothing does not suppress.
	policy.Activities[0].Domains[0].Domain[0].Value = "started"
	if err := f.svc.TriggerPolicy(ctx, trigger.ID, policy, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cascaded := openOfModel(t, f, testModel, parent.ID); len(cascaded) != 1 {
		t.Errorf("expected entry to fire, got %d", len(cascaded))
	}
}

func TestTriggerPolicy_StartAndCompleteTypes(t *testing.T) {
	f := newFixture(t)
	withPolicyHandler(f,
		TriggerActivity{Model: testModel, Type: TriggerTypeStart},
	)
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cascaded := openOfModel(t, f, testModel, parent.ID)
	if len(cascaded) != 1 || cascaded[0].State != StateStarted {
		t.Fatalf("expected one started cascade, got %v", cascaded)
	}

	// A complete-type entry submits its data and drives the activity to
	// completed in one cascade.
	f2 := newFixture(t)
	withPolicyHandler(f2,
		TriggerActivity{Model: testModel, Type: TriggerTypeComplete, Data: map[string]any{"outcome": "ok"}},
	)
	parent2, trigger2 := createTriggering(t, f2)
	if _, err := f2.svc.Complete(ctx, trigger2.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done, _, err := f2.svc.List(ctx, ListFilter{DataModel: testModel, State: StateCompleted}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cascadedDone *Activity
	for _, act := range done {
		if act.ID != parent2.ID && act.ID != trigger2.ID {
			cascadedDone = act
		}
	}
	if cascadedDone == nil {
		t.Fatal("expected a completed cascade")
	}
	rec, err := f2.svc.GetData(ctx, cascadedDone.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || rec.Values["outcome"] != "ok" {
		t.Errorf("expected submitted cascade data, got %v", rec)
	}
}

func TestTriggerPolicy_RecurringFrequency(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2015, 10, 10, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	// The recurring target contributes its own frequency payload.
	target := newTestHandler("obs.recurring")
	target.createData = map[string]any{"frequency": 30}
	f.reg.MustRegister(dataProviderHandler{target})
	withPolicyHandler(f, TriggerActivity{Model: "obs.recurring", Type: TriggerTypeRecurring})
	ctx := context.Background()

	parent, trigger := createTriggering(t, f)
	if _, err := f.svc.Complete(ctx, trigger.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cascaded := openOfModel(t, f, "obs.recurring", parent.ID)
	if len(cascaded) != 1 {
		t.Fatalf("expected 1 recurring cascade, got %d", len(cascaded))
	}
	want := fixed.Add(30 * time.Minute)
	if cascaded[0].DateScheduled == nil || !cascaded[0].DateScheduled.Equal(want) {
		t.Errorf("expected schedule at %v, got %v", want, cascaded[0].DateScheduled)
	}
}

func TestTriggerPolicyChangeState_UnknownType(t *testing.T) {
	f := newFixture(t)
	act := f.create(t, nil, nil)

	err := f.svc.TriggerPolicyChangeState(context.Background(), act.ID, StateChange{Type: "bogus"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestTriggerPolicy_CascadeFailureAbortsCompletion(t *testing.T) {
	f := newFixture(t)
	// The cascade targets a model nobody registered, so the policy run
	// fails and the completion must fail with it.
	withPolicyHandler(f, TriggerActivity{Model: "no.such.model"})
	ctx := context.Background()

	_, trigger := createTriggering(t, f)
	if _, err := f.svc.Complete(ctx, trigger.ID); !errors.Is(err, ErrUnknownDataModel) {
		t.Fatalf("expected cascade failure to propagate, got %v", err)
	}
}
