// Package accounts holds registered identities and their bcrypt password
// hashes. The hashes never leave the package except through the snapshot
// encoding produced by Store.MarshalJSON.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = 10

var (
	// ErrDuplicateIdentity is returned by Register when the identity already exists.
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrUnknownIdentity is returned by Verify for identities never registered.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrCredentialMismatch is returned by Verify when the secret does not match.
	ErrCredentialMismatch = errors.New("credential mismatch")
)

// Account is the public view of a registered identity.
type Account struct {
	Identity    string
	DisplayName string
}

type record struct {
	DisplayName string `json:"name"`
	Hash        string `json:"passHash"`
}

// Store maps identities to accounts. It is not safe for concurrent use; the
// hub event loop is its only caller.
type Store struct {
	cost     int
	accounts map[string]record
}

// NewStore creates an empty store hashing with the given bcrypt cost. Costs
// outside bcrypt's accepted range are clamped.
func NewStore(cost int) *Store {
	return &Store{
		cost:     clampCost(cost),
		accounts: make(map[string]record),
	}
}

func clampCost(cost int) int {
	if cost < bcrypt.MinCost {
		return bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		return bcrypt.MaxCost
	}
	return cost
}

// SetCost changes the cost used for future registrations. Existing hashes
// keep the cost they were created with.
func (s *Store) SetCost(cost int) {
	s.cost = clampCost(cost)
}

// Register hashes secret and stores a new account.
func (s *Store) Register(identity, secret, displayName string) error {
	if _, exists := s.accounts[identity]; exists {
		return ErrDuplicateIdentity
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	s.accounts[identity] = record{DisplayName: displayName, Hash: string(hash)}
	return nil
}

// Verify checks secret against the stored hash for identity.
func (s *Store) Verify(identity, secret string) (Account, error) {
	rec, ok := s.accounts[identity]
	if !ok {
		return Account{}, ErrUnknownIdentity
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Account{}, ErrCredentialMismatch
		}
		return Account{}, fmt.Errorf("compare secret: %w", err)
	}

	return Account{Identity: identity, DisplayName: rec.DisplayName}, nil
}

// Len returns the number of registered accounts.
func (s *Store) Len() int {
	return len(s.accounts)
}

// MarshalJSON encodes the store as identity -> {name, passHash}.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.accounts)
}

// UnmarshalJSON replaces the store contents with the decoded mapping.
func (s *Store) UnmarshalJSON(data []byte) error {
	decoded := make(map[string]record)
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded == nil {
		decoded = make(map[string]record)
	}
	if s.cost == 0 {
		s.cost = DefaultCost
	}
	s.accounts = decoded
	return nil
}
