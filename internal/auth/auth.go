// Package auth implements the account flows: register, login, refresh
// rotation, logout and identity lookup. It owns no state of its own; the
// issuer signs, the store remembers.
package auth

import (
	"context"
	"errors"
	"log"

	"github.com/example/taskhub/internal/store"
	"github.com/example/taskhub/internal/token"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

// PasswordHasher is the pluggable one-way digest used for passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// BcryptHasher is the default PasswordHasher.
type BcryptHasher struct{}

func (BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func (BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Session is what login and register hand back.
type Session struct {
	Identity     *store.Identity
	AccessToken  string
	RefreshToken string
}

// Service wires the credential issuer and the store together.
type Service struct {
	store  store.Store
	issuer *token.Issuer
	hasher PasswordHasher
}

func NewService(s store.Store, issuer *token.Issuer) *Service {
	return &Service{store: s, issuer: issuer, hasher: BcryptHasher{}}
}

// Register creates an identity and issues its first credential pair.
func (s *Service) Register(ctx context.Context, email, password, name string) (*Session, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.CreateIdentity(ctx, email, hash, name, store.RoleUser)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return s.issueFor(ctx, identity)
}

// Login verifies the password and issues a fresh pair. Unknown email and
// digest mismatch return the same error so callers cannot enumerate
// accounts.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	identity, err := s.store.IdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.hasher.Verify(identity.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issueFor(ctx, identity)
}

func (s *Service) issueFor(ctx context.Context, identity *store.Identity) (*Session, error) {
	pair, err := s.issuer.Issue(identity.ID, identity.Email, identity.Role)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, identity.ID, pair.RefreshToken, pair.RefreshExpiry.Unix()); err != nil {
		return nil, err
	}
	return &Session{Identity: identity, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Refresh rotates a refresh credential: the old token is revoked and a new
// pair issued, atomically at the store. Presenting an already-revoked token
// is treated as replay: every session of that subject is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := s.issuer.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.IdentityByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrUnknownToken
		}
		return nil, err
	}
	pair, err := s.issuer.Issue(identity.ID, identity.Email, identity.Role)
	if err != nil {
		return nil, err
	}
	err = s.store.RotateSession(ctx, refreshToken, claims.Subject, pair.RefreshToken, pair.RefreshExpiry.Unix())
	if errors.Is(err, store.ErrSessionRevoked) {
		// Replay of a consumed token: the whole chain is suspect.
		log.Printf("auth: revoked refresh token replayed for subject %s; revoking all sessions", claims.Subject)
		if revokeErr := s.store.RevokeAllForSubject(ctx, claims.Subject); revokeErr != nil {
			log.Printf("auth: revoke-all for subject %s failed: %v", claims.Subject, revokeErr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// Logout revokes the refresh credential. Idempotent: unknown or
// already-revoked tokens succeed quietly.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.store.RevokeSession(ctx, refreshToken)
}

// CurrentIdentity resolves an access credential to its account record.
func (s *Service) CurrentIdentity(ctx context.Context, accessToken string) (*store.Identity, error) {
	claims, err := s.issuer.Verify(accessToken, token.KindAccess)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.store.IdentityByID(ctx, claims.Subject)
}
