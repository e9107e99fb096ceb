package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a, err := NewTicketAuth("s3cret", WithIssuer("wamprouter"))
	require.NoError(t, err)

	ticket, exp, err := a.IssueTicket("alice", "realm1")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	authID, err := a.Authenticate("realm1", "", ticket)
	require.NoError(t, err)
	assert.Equal(t, "alice", authID)

	authID, err = a.Authenticate("realm1", "alice", ticket)
	require.NoError(t, err)
	assert.Equal(t, "alice", authID)

	_, err = a.Authenticate("realm1", "bob", ticket)
	assert.ErrorIs(t, err, ErrAuthIDClash)

	_, err = a.Authenticate("realm2", "", ticket)
	assert.ErrorIs(t, err, ErrRealmMismatch)
}

func TestAnyRealmTicket(t *testing.T) {
	a, err := NewTicketAuth("s3cret")
	require.NoError(t, err)
	ticket, _, err := a.IssueTicket("ops", AnyRealm)
	require.NoError(t, err)

	for _, realm := range []string{"realm1", "other.realm"} {
		authID, err := a.Authenticate(realm, "", ticket)
		require.NoError(t, err)
		assert.Equal(t, "ops", authID)
	}
}

func TestRejectedTickets(t *testing.T) {
	a, err := NewTicketAuth("s3cret", WithTTL(time.Minute))
	require.NoError(t, err)
	other, err := NewTicketAuth("different")
	require.NoError(t, err)

	foreign, _, err := other.IssueTicket("mallory", "realm1")
	require.NoError(t, err)
	_, err = a.Authenticate("realm1", "", foreign)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = a.Authenticate("realm1", "", "")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = a.Authenticate("realm1", "", "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	issued := time.Now()
	a.now = func() time.Time { return issued }
	ticket, _, err := a.IssueTicket("alice", "realm1")
	require.NoError(t, err)
	a.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = a.Authenticate("realm1", "", ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, TicketClaims{Realm: "realm1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Authenticate("realm1", "", none)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestIssuerRequired(t *testing.T) {
	a, err := NewTicketAuth("s3cret", WithIssuer("router-a"))
	require.NoError(t, err)
	b, err := NewTicketAuth("s3cret", WithIssuer("router-b"))
	require.NoError(t, err)

	ticket, _, err := b.IssueTicket("alice", "realm1")
	require.NoError(t, err)
	_, err = a.Authenticate("realm1", "", ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestConstructorValidation(t *testing.T) {
	_, err := NewTicketAuth("")
	assert.Error(t, err)

	a, err := NewTicketAuth("x")
	require.NoError(t, err)
	_, _, err = a.IssueTicket("", "realm1")
	assert.ErrorIs(t, err, ErrEmptyAuthID)
}
