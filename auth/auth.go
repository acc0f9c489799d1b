// Package auth holds the server's credential store.
//
// Users are loaded once at startup (typically from the config file) and
// looked up on every PASS command. Passwords are stored as bcrypt hashes;
// the store never keeps a cleartext password.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when the user is unknown or the
// password does not match. Callers must not distinguish the two cases in
// protocol replies.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// User is one account known to the server.
type User struct {
	Name         string
	PasswordHash string // bcrypt hash
	HomeDir      string // root directory served to this user
	ReadOnly     bool
}

// Store is a thread-safe set of users keyed by name.
type Store struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{users: make(map[string]User)}
}

// Add registers a user. The name must be non-empty and unique, and the
// password hash and home directory must be set.
func (s *Store) Add(u User) error {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return errors.New("auth: empty user name")
	}
	if u.PasswordHash == "" {
		return fmt.Errorf("auth: user %q has no password hash", name)
	}
	if u.HomeDir == "" {
		return fmt.Errorf("auth: user %q has no home directory", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[name]; exists {
		return fmt.Errorf("auth: user %q already exists", name)
	}
	u.Name = name
	s.users[name] = u
	return nil
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Lookup returns the user with the given name.
func (s *Store) Lookup(name string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return u, ok
}

// Authenticate checks name and password and returns the matching user.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (s *Store) Authenticate(name, password string) (User, error) {
	u, ok := s.Lookup(name)
	if !ok {
		// Burn a comparison anyway so unknown names take as long as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// dummyHash is compared against when the user is unknown. Any valid bcrypt
// hash works; this one is of an unguessable random string.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// HashPassword produces a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(h), nil
}
