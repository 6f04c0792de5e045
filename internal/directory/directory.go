// Package directory holds registered identity records and answers
// registration and credential-match queries for the relay's auth gate.
package directory

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidInput       = errors.New("username and password required")
	ErrAlreadyExists      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Directory is the in-memory user store. Records are created on registration
// and never mutated or deleted afterwards (no account management here).
//
// Lifetime is bound to the process; a deployment needing durable accounts
// must swap in a persistent implementation behind the same operations.
type Directory struct {
	matcher Matcher

	mu    sync.Mutex
	users map[string]string // username -> sealed secret
}

func New(matcher Matcher) *Directory {
	if matcher == nil {
		matcher = PlainMatcher{}
	}
	return &Directory{
		matcher: matcher,
		users:   make(map[string]string),
	}
}

// Register inserts a new user record. It has no side effect on failure.
func (d *Directory) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidInput
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.users[username]; exists {
		return ErrAlreadyExists
	}

	secret, err := d.matcher.Seal(password)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	d.users[username] = secret
	return nil
}

// Authenticate verifies a username/password pair against the stored record.
func (d *Directory) Authenticate(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidInput
	}

	d.mu.Lock()
	secret, exists := d.users[username]
	d.mu.Unlock()

	if !exists {
		// Run the matcher anyway so unknown usernames are not distinguishable
		// from wrong passwords by timing.
		_ = d.matcher.Match("", password)
		return ErrInvalidCredentials
	}
	if err := d.matcher.Match(secret, password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
