package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mapportal.org/internal/ids"
)

// Session is what register and login hand back to the client.
type Session struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// RegisterInput carries the sign-up form.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Accounts implements registration, login and token verification.
type Accounts struct {
	store  AccountStore
	tokens *Tokens
	now    func() time.Time
}

// AccountsOption configures Accounts.
type AccountsOption func(*Accounts)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) AccountsOption {
	return func(a *Accounts) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAccounts constructs Accounts.
func NewAccounts(store AccountStore, tokens *Tokens, opts ...AccountsOption) *Accounts {
	if tokens == nil {
		tokens = NewTokens("")
	}
	a := &Accounts{store: store, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tokens exposes the token codec used for bearer authentication.
func (a *Accounts) Tokens() *Tokens { return a.tokens }

// Register creates an active account with the user role.
func (a *Accounts) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Session{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}
	if _, err := a.store.FindUserByEmail(ctx, email); err == nil {
		return Session{}, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	user, err := a.store.CreateUser(ctx, User{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         RoleUser,
		Status:       StatusActive,
		CreatedAt:    a.now().UTC(),
	})
	if err != nil {
		return Session{}, err
	}
	return a.session(user)
}

// Login checks credentials. Unknown email, wrong password and inactive
// accounts are indistinguishable to the caller.
func (a *Accounts) Login(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if password == "" {
		return Session{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	user, err := a.store.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return Session{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	if err != nil {
		return Session{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil || !user.Active() {
		return Session{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	return a.session(user)
}

// Verify resolves a token to an active user.
func (a *Accounts) Verify(ctx context.Context, token string) (User, error) {
	userID, err := a.tokens.Subject(token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, err := a.store.FindUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
	}
	if err != nil {
		return User{}, err
	}
	if !user.Active() {
		return User{}, fmt.Errorf("%w: account is %s", ErrUnauthenticated, user.Status)
	}
	return user, nil
}

func (a *Accounts) session(user User) (Session, error) {
	token, err := a.tokens.Issue(user)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Token: token}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return email, nil
}
