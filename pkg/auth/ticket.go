// Package auth implements the WAMP "ticket" authentication method with
// signed JWT tickets.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MethodTicket is the authmethod name announced in HELLO.
const MethodTicket = "ticket"

// AnyRealm in a ticket's realm claim admits the holder to every realm.
const AnyRealm = "*"

const defaultTicketTTL = 24 * time.Hour

var (
	ErrEmptyAuthID   = errors.New("auth: authid cannot be empty")
	ErrInvalidTicket = errors.New("auth: invalid ticket")
	ErrRealmMismatch = errors.New("auth: ticket not valid for realm")
	ErrAuthIDClash   = errors.New("auth: ticket issued to a different authid")
)

// TicketClaims are the claims carried by a ticket. The subject is the
// authid.
type TicketClaims struct {
	Realm string `json:"realm"`
	jwt.RegisteredClaims
}

// TicketAuth issues and verifies HS256 tickets.
type TicketAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a TicketAuth.
type Option func(*TicketAuth)

// WithIssuer sets the iss claim written and required.
func WithIssuer(issuer string) Option {
	return func(a *TicketAuth) { a.issuer = issuer }
}

// WithTTL sets how long issued tickets stay valid.
func WithTTL(ttl time.Duration) Option {
	return func(a *TicketAuth) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// NewTicketAuth creates a ticket authenticator signing with secret.
func NewTicketAuth(secret string, opts ...Option) (*TicketAuth, error) {
	if secret == "" {
		return nil, errors.New("auth: secret cannot be empty")
	}
	a := &TicketAuth{
		secret: []byte(secret),
		ttl:    defaultTicketTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// IssueTicket signs a ticket for authID valid in realm. Use AnyRealm for a
// ticket valid everywhere.
func (a *TicketAuth) IssueTicket(authID, realm string) (string, time.Time, error) {
	if authID == "" {
		return "", time.Time{}, ErrEmptyAuthID
	}
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := TicketClaims{
		Realm: realm,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   authID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign ticket: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate verifies ticket for a session joining realm. authID is what
// the peer announced in HELLO and may be empty; the verified authid is
// returned.
func (a *TicketAuth) Authenticate(realm, authID, ticket string) (string, error) {
	if ticket == "" {
		return "", ErrInvalidTicket
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidTicket
	}
	if claims.Realm != AnyRealm && claims.Realm != realm {
		return "", ErrRealmMismatch
	}
	if authID != "" && authID != claims.Subject {
		return "", ErrAuthIDClash
	}
	return claims.Subject, nil
}
