package staff

import (
	"time"

	"github.com/google/uuid"
)

// User is a member of clinical staff. Assignment only accepts active
// users; deactivated accounts stay on historical activities.
type User struct {
	ID        uuid.UUID `json:"id"`
	Login     string    `json:"login"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
