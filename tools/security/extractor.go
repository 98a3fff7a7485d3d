package security

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ChatCore/tools/errs"
)

// AuthExtractor resolves the authenticated user for an incoming connection.
// The gateway receives one implementation at construction; there is no
// runtime mode switching.
type AuthExtractor interface {
	UserID(r *http.Request) (string, error)
}

// bearerToken pulls the credential from "Authorization: Bearer <tok>" with a
// "token" query parameter fallback for browser WebSocket clients, which
// cannot set headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type jwtClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type jwtExtractor struct {
	secret []byte
}

// NewJWTExtractor verifies HS256 tokens carrying the user id in the "uid"
// claim.
func NewJWTExtractor(secret []byte) AuthExtractor {
	return &jwtExtractor{secret: secret}
}

func (e *jwtExtractor) UserID(r *http.Request) (string, error) {
	tok := bearerToken(r)
	if tok == "" {
		return "", errs.ErrAuth.WrapMsg("missing token")
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ErrAuth.WithDetail("unexpected signing method " + t.Method.Alg())
		}
		return e.secret, nil
	})
	if err != nil {
		return "", errs.ErrAuth.WrapMsg(err.Error())
	}
	if claims.UserID == "" {
		return "", errs.ErrAuth.WrapMsg("token has no uid claim")
	}
	return claims.UserID, nil
}

// SignUserToken mints an HS256 token for the given user, for tooling and
// tests.
func SignUserToken(secret []byte, userID string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{UserID: userID})
	s, err := t.SignedString(secret)
	if err != nil {
		return "", errs.ErrAuth.WrapMsg(err.Error())
	}
	return s, nil
}

type insecureExtractor struct{}

// NewInsecureExtractor trusts the "userId" query parameter. Dev and test
// environments only.
func NewInsecureExtractor() AuthExtractor { return insecureExtractor{} }

func (insecureExtractor) UserID(r *http.Request) (string, error) {
	uid := strings.TrimSpace(r.URL.Query().Get("userId"))
	if uid == "" {
		return "", errs.ErrAuth.WrapMsg("missing userId")
	}
	return uid, nil
}
