package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MeKHell/d-voting/pkg/identity"
	"github.com/MeKHell/d-voting/pkg/store"
)

func newTestManager() *Manager {
	return NewManager(store.NewMemoryCache(), "test-secret")
}

func createSession(t *testing.T, m *Manager, sess Session) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if _, err := m.Create(context.Background(), rec, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	cookies := rec.Result().Cookies()
	for _, c := range cookies {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestCreateAndCurrent(t *testing.T) {
	m := newTestManager()
	cookie := createSession(t, m, Session{Sciper: 128620, FirstName: "Marie", LastName: "Dupont", Role: identity.RoleVoter})

	req := httptest.NewRequest(http.MethodGet, "/api/personal_info", nil)
	req.AddCookie(cookie)
	sess, err := m.Current(context.Background(), req)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if sess.Sciper != 128620 || sess.Role != identity.RoleVoter {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.CreatedAt.IsZero() {
		t.Fatal("created_at must be stamped")
	}
}

func TestCurrentWithoutCookie(t *testing.T) {
	m := newTestManager()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := m.Current(context.Background(), req); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestForgedCookieRejected(t *testing.T) {
	m := newTestManager()
	cookie := createSession(t, m, Session{Sciper: 1, Role: identity.RoleAdmin})

	token, _, ok := strings.Cut(cookie.Value, ".")
	if !ok {
		t.Fatal("expected signed cookie value")
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token + ".forged"})
	if _, err := m.Current(context.Background(), req); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession for forged signature, got %v", err)
	}

	// Unsigned raw token must not work either.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	if _, err := m.Current(context.Background(), req); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession for unsigned token, got %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newTestManager()
	cookie := createSession(t, m, Session{Sciper: 2, Role: identity.RoleVoter})

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Destroy(context.Background(), rec, req)

	// The session is gone and the cookie is cleared.
	cleared := rec.Result().Cookies()
	if len(cleared) == 0 || cleared[0].MaxAge != -1 {
		t.Fatalf("expected cookie clear, got %+v", cleared)
	}
	check := httptest.NewRequest(http.MethodGet, "/", nil)
	check.AddCookie(cookie)
	if _, err := m.Current(context.Background(), check); err != ErrNoSession {
		t.Fatalf("expected session destroyed, got %v", err)
	}

	// Destroying again is not an error.
	m.Destroy(context.Background(), httptest.NewRecorder(), req)
}

func TestInfoAnonymousShape(t *testing.T) {
	m := newTestManager()
	req := httptest.NewRequest(http.MethodGet, "/api/personal_info", nil)
	info := m.Info(context.Background(), req)
	if info != (PersonalInfo{}) {
		t.Fatalf("expected zero anonymous shape, got %+v", info)
	}
}

func TestInfoLoggedShape(t *testing.T) {
	m := newTestManager()
	cookie := createSession(t, m, Session{Sciper: 128620, FirstName: "Marie", LastName: "Dupont", Role: identity.RoleOperator})

	req := httptest.NewRequest(http.MethodGet, "/api/personal_info", nil)
	req.AddCookie(cookie)
	info := m.Info(context.Background(), req)
	want := PersonalInfo{Sciper: 128620, LastName: "Dupont", FirstName: "Marie", Role: "operator", IsLogged: true}
	if info != want {
		t.Fatalf("got %+v, want %+v", info, want)
	}
}

func TestUnsignedManagerRoundTrip(t *testing.T) {
	m := NewManager(store.NewMemoryCache(), "")
	cookie := createSession(t, m, Session{Sciper: 7, Role: identity.RoleVoter})
	if strings.Contains(cookie.Value, ".") {
		t.Fatalf("expected bare token without secret, got %q", cookie.Value)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := m.Current(context.Background(), req); err != nil {
		t.Fatalf("current: %v", err)
	}
}
