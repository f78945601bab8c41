// Package token issues and verifies the two classes of bearer credential:
// short-lived access tokens and long-lived refresh tokens. Each kind is
// signed with its own secret so holding one secret never lets a party forge
// the other kind.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates access from refresh credentials.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrWrongKind        = errors.New("token: wrong kind")
)

// Claims is the payload carried by every issued credential.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
	Kind  Kind   `json:"kind"`
}

// Pair is a freshly issued access/refresh credential pair.
type Pair struct {
	AccessToken   string
	RefreshToken  string
	RefreshExpiry time.Time
}

// Issuer signs and verifies credentials. Purely functional given the two
// secrets and the clock; safe for concurrent use.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewIssuer(accessSecret, refreshSecret []byte, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

func (i *Issuer) secretFor(kind Kind) []byte {
	if kind == KindRefresh {
		return i.refreshSecret
	}
	return i.accessSecret
}

func (i *Issuer) ttlFor(kind Kind) time.Duration {
	if kind == KindRefresh {
		return i.refreshTTL
	}
	return i.accessTTL
}

func (i *Issuer) sign(subjectID, email, role string, kind Kind) (string, time.Time, error) {
	expiry := i.now().Add(i.ttlFor(kind))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// Unique per issuance. iat/exp are second-granularity, so without
			// a jti two tokens minted in the same second would be identical
			// strings and rotation could never tell them apart.
			ID:        uuid.NewString(),
			Subject:   subjectID,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(i.now()),
		},
		Email: email,
		Role:  role,
		Kind:  kind,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secretFor(kind))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiry, nil
}

// Issue produces a fresh access/refresh pair for the subject.
func (i *Issuer) Issue(subjectID, email, role string) (Pair, error) {
	access, _, err := i.sign(subjectID, email, role, KindAccess)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExpiry, err := i.sign(subjectID, email, role, KindRefresh)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh, RefreshExpiry: refreshExpiry}, nil
}

// Verify checks signature, expiry and kind, in that order. The secret used
// for verification is chosen by expected kind, so a refresh token presented
// where an access token is expected fails the signature check before the
// kind check even gets a say.
func (i *Issuer) Verify(tokenString string, expected Kind) (Claims, error) {
	claims := Claims{}
	t, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return i.secretFor(expected), nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrInvalidSignature
	}
	if !t.Valid {
		return Claims{}, ErrInvalidSignature
	}
	if claims.Kind != expected {
		return Claims{}, ErrWrongKind
	}
	return claims, nil
}
