package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the default name of the session cookie.
const DefaultCookieName = "sid"

// JWTResolver is a SessionResolver that reads the session from a JWT
// signed with HMAC and stored in a cookie. The session is the map of
// the token claims.
type JWTResolver struct {
	// Secret is the HMAC key, it is required.
	Secret []byte

	// Cookie is the name of the cookie. Defaults to DefaultCookieName.
	Cookie string
}

func (r *JWTResolver) cookieName() string {
	if r.Cookie == "" {
		return DefaultCookieName
	}
	return r.Cookie
}

// Session returns the claims of the token, or nil if the request has no
// session cookie. An invalid token is an error.
func (r *JWTResolver) Session(req *http.Request) (interface{}, error) {
	ck, err := req.Cookie(r.cookieName())
	if errors.Is(err, http.ErrNoCookie) || (err == nil && ck.Value == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tok, err := jwt.Parse(ck.Value, func(*jwt.Token) (interface{}, error) {
		return r.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid session: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("auth: invalid session claims")
	}
	return map[string]interface{}(claims), nil
}

// Sign returns the HS256 token of the session claims.
func (r *JWTResolver) Sign(session map[string]interface{}) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(session)).SignedString(r.Secret)
}

// Credential returns the cookie string that carries the signed session,
// as sent with the auth event.
func (r *JWTResolver) Credential(session map[string]interface{}) (string, error) {
	s, err := r.Sign(session)
	if err != nil {
		return "", err
	}
	return (&http.Cookie{Name: r.cookieName(), Value: s}).String(), nil
}

// StaticAuthorizer authorizes the sessions with fixed documents: User
// for sessions that identify a user, Guest otherwise.
type StaticAuthorizer struct {
	Guest map[string]interface{}
	User  map[string]interface{}

	// UserKey is the session key that identifies a user. Defaults to
	// "uid".
	UserKey string
}

// Authorize returns the document of the session. A User document of nil
// falls back to Guest.
func (a *StaticAuthorizer) Authorize(session interface{}) (map[string]interface{}, error) {
	key := a.UserKey
	if key == "" {
		key = "uid"
	}
	if m, ok := session.(map[string]interface{}); ok {
		if uid, ok := m[key]; ok && uid != nil && uid != "" && a.User != nil {
			return a.User, nil
		}
	}
	return a.Guest, nil
}
