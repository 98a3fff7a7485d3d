package security

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"ChatCore/tools/errs"
)

func TestJWTExtractorRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignUserToken(secret, "u42")
	require.NoError(t, err)

	e := NewJWTExtractor(secret)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	uid, err := e.UserID(r)
	require.NoError(t, err)
	require.Equal(t, "u42", uid)

	// Browser clients pass the token as a query parameter instead.
	r = httptest.NewRequest("GET", "/ws?token="+tok, nil)
	uid, err = e.UserID(r)
	require.NoError(t, err)
	require.Equal(t, "u42", uid)
}

func TestJWTExtractorRejectsBadToken(t *testing.T) {
	e := NewJWTExtractor([]byte("right"))

	tok, err := SignUserToken([]byte("wrong"), "u42")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token="+tok, nil)
	_, err = e.UserID(r)
	require.ErrorIs(t, err, errs.ErrAuth)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = e.UserID(r)
	require.ErrorIs(t, err, errs.ErrAuth, "missing token is an auth failure")
}

func TestInsecureExtractor(t *testing.T) {
	e := NewInsecureExtractor()

	r := httptest.NewRequest("GET", "/ws?userId=u1", nil)
	uid, err := e.UserID(r)
	require.NoError(t, err)
	require.Equal(t, "u1", uid)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = e.UserID(r)
	require.ErrorIs(t, err, errs.ErrAuth)
}
