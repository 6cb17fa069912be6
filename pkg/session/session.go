package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MeKHell/d-voting/pkg/identity"
	"github.com/MeKHell/d-voting/pkg/store"
)

// CookieName carries the opaque session token.
const CookieName = "dvoting_session"

// TTL bounds a session to one day from creation.
const TTL = 24 * time.Hour

const cacheKeyPrefix = "session:"

var ErrNoSession = errors.New("no session")

// Session is the login-time snapshot. The role is captured once at login and
// not re-read from the identity store on later requests, so a role change by
// an admin does not affect sessions that are already open.
type Session struct {
	Sciper    int           `json:"sciper"`
	FirstName string        `json:"firstname"`
	LastName  string        `json:"lastname"`
	Role      identity.Role `json:"role"`
	CreatedAt time.Time     `json:"created_at"`
}

// PersonalInfo is the shape polled by the frontend. The zero value is the
// anonymous shape returned when no session exists.
type PersonalInfo struct {
	Sciper    int    `json:"sciper"`
	LastName  string `json:"lastname"`
	FirstName string `json:"firstname"`
	Role      string `json:"role"`
	IsLogged  bool   `json:"islogged"`
}

// Manager issues and resolves session tokens backed by a store.Cache. When a
// secret is configured the cookie value is HMAC-signed, so a forged token is
// rejected before the cache is consulted.
type Manager struct {
	cache  store.Cache
	secret []byte
}

func NewManager(cache store.Cache, secret string) *Manager {
	m := &Manager{cache: cache}
	if secret != "" {
		m.secret = []byte(secret)
	}
	return m
}

// Create stores the session server-side and sets the token cookie.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, sess Session) (string, error) {
	sess.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := m.cache.Set(ctx, cacheKeyPrefix+token, string(raw), TTL); err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.encodeCookie(token),
		Path:     "/",
		MaxAge:   int(TTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// Current resolves the request's session, or ErrNoSession when the token is
// missing, forged, unknown or expired.
func (m *Manager) Current(ctx context.Context, r *http.Request) (Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, ErrNoSession
	}
	token, ok := m.decodeCookie(cookie.Value)
	if !ok {
		return Session{}, ErrNoSession
	}
	raw, err := m.cache.Get(ctx, cacheKeyPrefix+token)
	if err != nil {
		return Session{}, ErrNoSession
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// Destroy invalidates the server-side state and clears the cookie. Destroying
// a session that no longer exists is not an error.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		if token, ok := m.decodeCookie(cookie.Value); ok {
			_ = m.cache.Del(ctx, cacheKeyPrefix+token)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Info reports the current session as the frontend shape. It never fails; an
// anonymous request yields the zero shape.
func (m *Manager) Info(ctx context.Context, r *http.Request) PersonalInfo {
	sess, err := m.Current(ctx, r)
	if err != nil {
		return PersonalInfo{}
	}
	return PersonalInfo{
		Sciper:    sess.Sciper,
		LastName:  sess.LastName,
		FirstName: sess.FirstName,
		Role:      string(sess.Role),
		IsLogged:  true,
	}
}

func (m *Manager) encodeCookie(token string) string {
	if m.secret == nil {
		return token
	}
	return token + "." + m.sign(token)
}

func (m *Manager) decodeCookie(value string) (string, bool) {
	if m.secret == nil {
		return value, true
	}
	token, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(token))) {
		return "", false
	}
	return token, true
}

func (m *Manager) sign(token string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
