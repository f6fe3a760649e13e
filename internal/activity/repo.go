package activity

import (
	"context"

	"github.com/google/uuid"
)

// Condition is one declarative filter term used by policy trigger
// domains, e.g. {Field: "state", Op: OpNotIn, Value: []string{"completed"}}.
// Fields name Activity columns.
type Condition struct {
	Field string
	Op    string
	Value any
}

// Condition operators.
const (
	OpEq    = "="
	OpNotEq = "!="
	OpIn    = "in"
	OpNotIn = "not in"
)

// DomainSpec names a data model and a set of conditions; the policy
// engine checks whether any activity of that model under a parent
// matches them.
type DomainSpec struct {
	Model  string
	Domain []Condition
}

// ListFilter narrows activity listings.
type ListFilter struct {
	DataModel string
	State     State
	ParentID  *uuid.UUID
	UserID    *uuid.UUID
}

// Repository is the durable activity store. Mutating calls observe a
// transaction carried in ctx so that cascades commit or roll back with
// the transition that triggered them. GetForUpdate must take a row
// lock inside a transaction so concurrent transitions on one activity
// serialize.
type Repository interface {
	Create(ctx context.Context, act *Activity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Activity, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Activity, error)

	// Write performs a generic field update. When fields carries a
	// "state" different from the stored value, the process-wide
	// sequence counter is bumped atomically as part of the same
	// statement; any other write leaves the sequence untouched.
	Write(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// CreatedBy returns ids of activities whose creator is the given
	// activity, ascending.
	CreatedBy(ctx context.Context, creatorID uuid.UUID) ([]uuid.UUID, error)

	// FindOpen returns non-terminal activities of the model under the
	// parent, oldest first. A nil parent matches all parents.
	FindOpen(ctx context.Context, model string, parentID *uuid.UUID) ([]*Activity, error)

	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Activity, int, error)

	// CountMatching counts activities of a model under a parent that
	// satisfy every condition. Used by policy trigger domains.
	CountMatching(ctx context.Context, model string, parentID *uuid.UUID, conds []Condition) (int, error)

	CreateData(ctx context.Context, rec *DataRecord) error
	GetData(ctx context.Context, id uuid.UUID) (*DataRecord, error)
	UpdateData(ctx context.Context, id uuid.UUID, vals map[string]any) error

	GetCancelReasonByName(ctx context.Context, name string) (*CancelReason, error)
}

// TxManager scopes a function to one storage transaction. The engine
// wraps every mutating operation in it; nested calls join the
// transaction already carried by ctx instead of opening a new one.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StaffDirectory resolves assignee identities. It is the engine's view
// of the surrounding application's user base.
type StaffDirectory interface {
	Exists(ctx context.Context, userID uuid.UUID) (bool, error)
}

// LocationDirectory exposes the operational context tags carried by a
// care location, consulted by the policy context gate.
type LocationDirectory interface {
	Tags(ctx context.Context, locationID uuid.UUID) ([]string, error)
}
