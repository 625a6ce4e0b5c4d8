package auth

import (
	"errors"

	"github.com/google/uuid"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

type UserManager struct {
	store *store.Store
}

func NewUserManager(st *store.Store) *UserManager {
	return &UserManager{store: st}
}

// CreateUser hashes password with Argon2id and persists a new user row.
// The first user created in an empty database is auto-promoted to admin,
// regardless of the requested role.
func (m *UserManager) CreateUser(username, password, role string) (*store.User, error) {
	if role == "" {
		role = "user"
	}
	count, err := m.store.CountUsers()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		role = "admin"
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	salt, err := NewEncryptionSalt()
	if err != nil {
		return nil, err
	}
	return m.store.CreateUser(uuid.NewString(), username, hash, salt, role)
}

// Authenticate implements spec.md §4.4's timing-safe login: a nonexistent
// username still runs a dummy Argon2id verify so failure timing does not
// leak account existence. Storage errors (busy/locked/io) are passed
// through unchanged rather than folded into ErrInvalidCredentials.
func (m *UserManager) Authenticate(username, password string) (*store.User, error) {
	user, err := m.store.GetUserByUsername(username)
	if errors.Is(err, store.ErrNotFound) {
		if verr := VerifyPassword(password, "", false); verr != nil {
			return nil, ErrInvalidCredentials
		}
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if verr := VerifyPassword(password, user.PasswordHash, true); verr != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword rehashes the password and rotates the encryption salt,
// per Testable Property 3: a password change invalidates previously
// encrypted credentials unless the caller re-supplies and re-encrypts them
// with the new derived key (handled by the credentials handler, not here).
func (m *UserManager) ChangePassword(userID, newPassword string) (newEncryptionSalt string, err error) {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return "", err
	}
	if err := m.store.SetPasswordHash(userID, hash); err != nil {
		return "", err
	}
	salt, err := NewEncryptionSalt()
	if err != nil {
		return "", err
	}
	if err := m.store.SetEncryptionSalt(userID, salt); err != nil {
		return "", err
	}
	return salt, nil
}

func (m *UserManager) GetByID(id string) (*store.User, error) {
	return m.store.GetUserByID(id)
}
