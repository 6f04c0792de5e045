package directory

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Matcher seals a password for storage and matches a password against a
// previously sealed secret. Swapping matchers does not change the
// Register/Authenticate contract.
type Matcher interface {
	Seal(password string) (string, error)
	Match(secret, password string) error
}

// PlainMatcher stores passwords verbatim and compares in constant time.
type PlainMatcher struct{}

func (PlainMatcher) Seal(password string) (string, error) { return password, nil }

func (PlainMatcher) Match(secret, password string) error {
	if secret == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// BcryptMatcher stores salted bcrypt hashes. This is the production scheme;
// PlainMatcher exists for tests and throwaway deployments.
type BcryptMatcher struct {
	// Cost is the bcrypt cost parameter. Zero means bcrypt.DefaultCost.
	Cost int
}

func (m BcryptMatcher) Seal(password string) (string, error) {
	cost := m.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

func (m BcryptMatcher) Match(secret, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// NewMatcher selects a Matcher by scheme name ("plain" or "bcrypt").
func NewMatcher(scheme string) (Matcher, error) {
	switch scheme {
	case "", "plain":
		return PlainMatcher{}, nil
	case "bcrypt":
		return BcryptMatcher{}, nil
	default:
		return nil, fmt.Errorf("unsupported password scheme %q", scheme)
	}
}
