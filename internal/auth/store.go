package auth

import "context"

// AccountStore persists portal accounts for registration and login.
type AccountStore interface {
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// CreateUser returns ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user User) (User, error)
}
