package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MeKHell/d-voting/pkg/audit"
	"github.com/MeKHell/d-voting/pkg/httpx"
	"github.com/MeKHell/d-voting/pkg/identity"
	"github.com/MeKHell/d-voting/pkg/session"
)

// handleGetTeqKey returns the Tequila login URL the browser must follow.
func (s *Server) handleGetTeqKey(w http.ResponseWriter, r *http.Request) {
	loginURL, err := s.SSO.RequestLoginURL(r.Context())
	if err != nil {
		log.Printf("tequila createrequest failed: %v", err)
		httpx.Text(w, 500, fmt.Sprintf("failed to request Tequila authentication: %v", err))
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"url": loginURL})
}

// handleControlKey redeems the one-time Tequila key, upserts the user record
// and opens the session.
func (s *Server) handleControlKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	attrs, err := s.SSO.FetchAttributes(r.Context(), key)
	if err != nil {
		log.Printf("tequila fetchattributes failed: %v", err)
		httpx.Text(w, 500, "Login did not work")
		return
	}

	user, err := s.Users.Get(r.Context(), attrs.Sciper)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		log.Printf("user lookup failed for sciper %d: %v", attrs.Sciper, err)
		httpx.Text(w, 500, "Login did not work")
		return
	}
	if user.Role == identity.RoleNone {
		user.Role = identity.RoleVoter
	}
	user.Sciper = attrs.Sciper
	user.FirstName = attrs.FirstName
	user.LastName = attrs.LastName
	user.LoggedIn = true
	if s.AdminSciper != 0 && attrs.Sciper == s.AdminSciper {
		user.Role = identity.RoleAdmin
	}
	if err := s.Users.Put(r.Context(), user); err != nil {
		log.Printf("user upsert failed for sciper %d: %v", attrs.Sciper, err)
		httpx.Text(w, 500, "Login did not work")
		return
	}

	_, err = s.Sessions.Create(r.Context(), w, session.Session{
		Sciper:    user.Sciper,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Role:      user.Role,
	})
	if err != nil {
		log.Printf("session create failed for sciper %d: %v", attrs.Sciper, err)
		httpx.Text(w, 500, "Login did not work")
		return
	}
	s.Metrics.Inc("logins")
	s.recordAudit(r, audit.Entry{
		Actor:  user.Sciper,
		Action: audit.ActionLogin,
		Target: user.Sciper,
		Role:   string(user.Role),
	})
	http.Redirect(w, r, "/logged", http.StatusFound)
}

// recordAudit appends to the trail without failing the request; a lost audit
// entry is logged but never blocks a login or a role change.
func (s *Server) recordAudit(r *http.Request, entry audit.Entry) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(r.Context(), entry); err != nil {
		log.Printf("audit record failed: %v", err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Destroy(r.Context(), w, r)
	http.Redirect(w, r, "/", http.StatusFound)
}

// handlePersonalInfo is polled by the frontend; it always answers 200 with
// either the session snapshot or the anonymous shape.
func (s *Server) handlePersonalInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	httpx.WriteJSON(w, 200, s.Sessions.Info(r.Context(), r))
}

// requireAdmin enforces the two-stage gate from the session snapshot alone.
// Both failures answer 400 for compatibility with the deployed frontend.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := s.Sessions.Current(r.Context(), r)
	if err != nil {
		httpx.Text(w, 400, "Not logged in")
		return session.Session{}, false
	}
	if sess.Role != identity.RoleAdmin {
		httpx.Text(w, 400, "You must be admin to request this")
		return session.Session{}, false
	}
	return sess, true
}

func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.requireAdmin(w, r); !ok {
			return
		}
		h(w, r)
	}
}

// handleUserRights lists every record whose role is above the voter default.
func (s *Server) handleUserRights(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	users, err := s.Users.ListPrivileged(r.Context())
	if err != nil {
		log.Printf("list user rights failed: %v", err)
		httpx.Text(w, 500, "failed to list user rights")
		return
	}
	httpx.WriteJSON(w, 200, users)
}

// flexInt accepts a sciper as a JSON number or a quoted string; the frontend
// has sent both over time.
type flexInt int

func (f *flexInt) UnmarshalJSON(raw []byte) error {
	text := strings.Trim(string(raw), `"`)
	n, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("invalid sciper %q", text)
	}
	*f = flexInt(n)
	return nil
}

func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		Sciper flexInt       `json:"sciper"`
		Role   identity.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Text(w, 400, "invalid request body")
		return
	}
	if body.Role == identity.RoleNone || !body.Role.Valid() {
		httpx.Text(w, 400, "invalid role")
		return
	}
	// A record may not exist yet: an admin can pre-authorize someone who has
	// never logged in.
	user, err := s.Users.Get(r.Context(), int(body.Sciper))
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		log.Printf("add role lookup failed for sciper %d: %v", body.Sciper, err)
		httpx.Text(w, 500, "Add role failed")
		return
	}
	user.Sciper = int(body.Sciper)
	user.Role = body.Role
	if err := s.Users.Put(r.Context(), user); err != nil {
		log.Printf("add role failed for sciper %d: %v", body.Sciper, err)
		httpx.Text(w, 500, "Add role failed")
		return
	}
	s.recordAudit(r, audit.Entry{
		Actor:  sess.Sciper,
		Action: audit.ActionAddRole,
		Target: int(body.Sciper),
		Role:   string(body.Role),
	})
	httpx.Text(w, 200, "Role added")
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		Sciper flexInt `json:"sciper"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Text(w, 400, "invalid request body")
		return
	}
	if err := s.Users.Delete(r.Context(), int(body.Sciper)); err != nil {
		log.Printf("remove role failed for sciper %d: %v", body.Sciper, err)
		httpx.Text(w, 500, "Remove role failed")
		return
	}
	s.recordAudit(r, audit.Entry{
		Actor:  sess.Sciper,
		Action: audit.ActionRemoveRole,
		Target: int(body.Sciper),
	})
	httpx.Text(w, 200, "Removed")
}

// handleAuditTrail reports the most recent identity-affecting actions.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if s.Audit == nil {
		httpx.WriteJSON(w, 200, []audit.Entry{})
		return
	}
	entries, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("audit listing failed: %v", err)
		httpx.Error(w, 500, "failed to list audit trail")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httpx.WriteJSON(w, 200, entries)
}

func (s *Server) withLoginRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if decision := s.RateLimiter.Allow("login:"+host, s.LoginRatePerMinute); !decision.Allowed {
			httpx.Text(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	log.Printf("404 not found: %s %s", r.Method, r.URL.Path)
	u := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	httpx.Text(w, 404, "not found "+html.EscapeString(u.String()))
}
