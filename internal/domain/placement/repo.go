package placement

import (
	"context"

	"github.com/google/uuid"
)

type LocationRepository interface {
	Create(ctx context.Context, l *Location) error
	GetByID(ctx context.Context, id uuid.UUID) (*Location, error)
	List(ctx context.Context, limit, offset int) ([]*Location, int, error)
	Tags(ctx context.Context, id uuid.UUID) ([]string, error)
}
