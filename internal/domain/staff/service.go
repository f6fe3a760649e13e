package staff

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the staff directory. It satisfies the engine's assignment
// collaborator: Exists reports whether a user may be assigned work.
type Service struct {
	users UserRepository
}

func NewService(users UserRepository) *Service {
	return &Service{users: users}
}

// Exists reports whether the user is present and active.
func (s *Service) Exists(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.users.ExistsActive(ctx, userID)
}

func (s *Service) CreateUser(ctx context.Context, u *User) error {
	if u.Login == "" {
		return fmt.Errorf("login is required")
	}
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.users.Create(ctx, u)
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return s.users.GetByLogin(ctx, login)
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	return s.users.List(ctx, limit, offset)
}

// Deactivate marks the user inactive so new assignments are refused.
// Historical activities keep their user references.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	u.Active = false
	return s.users.Update(ctx, u)
}
