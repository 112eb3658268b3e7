package store

import (
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// AuthGate validates credentials against an AccountStore and manages
// account mutations. Privilege policy (who may call SetOperator) lives
// with the command dispatcher, not here.
type AuthGate struct {
	store     *AccountStore
	adminNick string
}

// NewAuthGate wraps the store and guarantees the bootstrap invariant:
// when the store is empty, exactly one account exists afterwards, the
// admin account, seeded with defaultAdminPass and operator status.
func NewAuthGate(s *AccountStore, adminNick, defaultAdminPass string) (*AuthGate, error) {
	g := &AuthGate{store: s, adminNick: adminNick}

	n, err := s.Count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		hash, err := hashPassword(defaultAdminPass)
		if err != nil {
			return nil, err
		}
		err = s.Upsert(Account{
			Nick:         Fold(adminNick),
			Name:         adminNick,
			PasswordHash: hash,
			IsOperator:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed admin account: %w", err)
		}
		log.Printf("Seeded bootstrap admin account %q", adminNick)
	}
	return g, nil
}

// AdminNick returns the reserved bootstrap admin nickname
func (g *AuthGate) AdminNick() string {
	return g.adminNick
}

// Has reports whether an account exists for nick
func (g *AuthGate) Has(nick string) bool {
	_, err := g.store.Get(nick)
	return err == nil
}

// Authenticate checks the supplied password for nick. An unknown
// nickname self-registers a new account with the supplied password,
// unless the nickname is reserved for the bootstrap admin.
func (g *AuthGate) Authenticate(nick, password string) (Account, error) {
	acct, err := g.store.Get(nick)
	if errors.Is(err, ErrNotFound) {
		if Fold(nick) == Fold(g.adminNick) {
			return Account{}, ErrAuthFailed
		}
		return g.register(nick, password)
	}
	if err != nil {
		return Account{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return Account{}, ErrAuthFailed
	}
	return acct, nil
}

// Verify checks credentials for an existing account without the
// self-registration fallback
func (g *AuthGate) Verify(nick, password string) error {
	acct, err := g.store.Get(nick)
	if err != nil {
		return ErrAuthFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return ErrAuthFailed
	}
	return nil
}

// ChangePassword replaces the password credential for nick
func (g *AuthGate) ChangePassword(nick, newPassword string) error {
	acct, err := g.store.Get(nick)
	if err != nil {
		return err
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	acct.PasswordHash = hash
	return g.store.Upsert(acct)
}

// SetOperator grants or revokes operator status on the account for nick.
// Returns ErrNotFound when no such account exists.
func (g *AuthGate) SetOperator(nick string, value bool) error {
	acct, err := g.store.Get(nick)
	if err != nil {
		return err
	}
	acct.IsOperator = value
	return g.store.Upsert(acct)
}

func (g *AuthGate) register(nick, password string) (Account, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return Account{}, err
	}
	acct := Account{
		Nick:         Fold(nick),
		Name:         nick,
		PasswordHash: hash,
		IsOperator:   false,
	}
	if err := g.store.Upsert(acct); err != nil {
		return Account{}, err
	}
	log.Printf("Registered new account %q", nick)
	return acct, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error hashing password: %w", err)
	}
	return string(hash), nil
}
