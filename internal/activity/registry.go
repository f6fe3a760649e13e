package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is the activity data contract. Every business operation
// registers one implementation under a unique data-model key; the
// engine dispatches the hook matching each lifecycle transition and
// propagates any error the hook raises. Embed BaseHandler to inherit
// no-op defaults and override only what the operation needs.
type Handler interface {
	// Model is the unique data-model key the handler is registered
	// under, e.g. "patient.placement".
	Model() string

	// Description labels the operation; it becomes the default summary
	// of activities created for this model.
	Description() string

	// Submit validates or reacts to a payload submission. The engine
	// creates or updates the data record after the hook succeeds.
	Submit(ctx context.Context, act *Activity, vals map[string]any) error

	// Schedule reacts to the activity being scheduled for at.
	Schedule(ctx context.Context, act *Activity, at time.Time) error

	Start(ctx context.Context, act *Activity) error

	// Complete runs the operation's business effect. Its result is
	// returned to the caller of the engine's Complete, commonly the id
	// of a produced record (e.g. a newly registered patient).
	Complete(ctx context.Context, act *Activity, data *DataRecord) (any, error)

	Cancel(ctx context.Context, act *Activity) error
	Assign(ctx context.Context, act *Activity, userID uuid.UUID) error
	Unassign(ctx context.Context, act *Activity) error

	// UpdateActivity is a neutral "something changed" hook, invoked
	// after every submit and on explicit update requests.
	UpdateActivity(ctx context.Context, act *Activity) error
}

// PolicyHolder is implemented by handlers that cascade into further
// activities after completion.
type PolicyHolder interface {
	Policy() *Policy
}

// PolicyDataProvider is implemented by handlers that contribute payload
// values when the policy engine creates an activity of their model. The
// returned mapping may be empty and may depend on the policy case.
type PolicyDataProvider interface {
	PolicyCreateData(caseNo int) map[string]any
}

// BaseHandler provides default implementations for every contract
// hook. All defaults succeed without side effects.
type BaseHandler struct {
	model       string
	description string
}

// NewBaseHandler builds the embeddable default handler for a model key.
func NewBaseHandler(model, description string) BaseHandler {
	return BaseHandler{model: model, description: description}
}

func (b BaseHandler) Model() string       { return b.model }
func (b BaseHandler) Description() string { return b.description }

func (b BaseHandler) Submit(ctx context.Context, act *Activity, vals map[string]any) error {
	return nil
}

func (b BaseHandler) Schedule(ctx context.Context, act *Activity, at time.Time) error {
	return nil
}

func (b BaseHandler) Start(ctx context.Context, act *Activity) error { return nil }

func (b BaseHandler) Complete(ctx context.Context, act *Activity, data *DataRecord) (any, error) {
	return nil, nil
}

func (b BaseHandler) Cancel(ctx context.Context, act *Activity) error { return nil }

func (b BaseHandler) Assign(ctx context.Context, act *Activity, userID uuid.UUID) error {
	return nil
}

func (b BaseHandler) Unassign(ctx context.Context, act *Activity) error { return nil }

func (b BaseHandler) UpdateActivity(ctx context.Context, act *Activity) error { return nil }

// Registry maps data-model keys to their handlers. Business-operation
// packages register at process start, before the engine serves
// requests.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its model key. Registering the same key
// twice is a wiring bug and fails.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Model() == "" {
		return fmt.Errorf("%w: handler must have a model key", ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[h.Model()]; dup {
		return fmt.Errorf("%w: model %q already registered", ErrInvalidArgument, h.Model())
	}
	r.handlers[h.Model()] = h
	return nil
}

// MustRegister is Register for process-start wiring, where a duplicate
// key is unrecoverable.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered under the key.
func (r *Registry) Resolve(model string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataModel, model)
	}
	return h, nil
}

// Models returns the registered keys in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
