package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/MeKHell/d-voting/pkg/httpx"
	"github.com/MeKHell/d-voting/pkg/identity"
)

// handleEvotingProxy gates the protected evoting namespace and forwards
// approved requests signed. Both gates are checked before the payload is
// read, so an unauthorized caller never triggers storage or upstream work.
func (s *Server) handleEvotingProxy(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Current(r.Context(), r)
	if err != nil {
		httpx.Text(w, 400, "Unauthorized")
		return
	}
	if sess.Role != identity.RoleAdmin {
		log.Printf("evoting access denied for sciper %d with role %q", sess.Sciper, sess.Role)
		httpx.Text(w, 400, "Unauthorized")
		return
	}
	body, ok := s.canonicalBody(w, r)
	if !ok {
		return
	}
	s.forwardSigned(w, r, body)
}

// handleVote injects the caller's sciper before signing so the nodes can
// keep one ballot per identity, last write wins. Any logged-in identity may
// vote; there is no role gate on this path.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Current(r.Context(), r)
	if err != nil {
		httpx.Text(w, 400, "Not logged in")
		return
	}
	raw, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	fields := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			httpx.Text(w, 400, "invalid json")
			return
		}
	}
	fields["UserID"] = sess.Sciper
	body, err := json.Marshal(fields)
	if err != nil {
		httpx.Text(w, 500, "failed to encode ballot")
		return
	}
	s.forwardSigned(w, r, body)
}

// canonicalBody reads and re-encodes the request body the way the parser
// produced it. An absent body forwards as the empty object, which is what a
// GET against the evoting namespace carries.
func (s *Server) canonicalBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, ok := readRequestBody(w, r)
	if !ok {
		return nil, false
	}
	if len(raw) == 0 {
		return []byte("{}"), true
	}
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		httpx.Text(w, 400, "invalid json")
		return nil, false
	}
	body, err := json.Marshal(parsed)
	if err != nil {
		httpx.Text(w, 500, "failed to encode request body")
		return nil, false
	}
	return body, true
}

// forwardSigned seals the body in a signed envelope and relays it to the
// Dela node under the inbound path with the /api prefix stripped.
func (s *Server) forwardSigned(w http.ResponseWriter, r *http.Request, body []byte) {
	envelope, err := s.Signer.Seal(body)
	if err != nil {
		log.Printf("sign payload failed: %v", err)
		httpx.Text(w, 500, "failed to sign payload")
		return
	}
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		httpx.Text(w, 500, "failed to encode payload")
		return
	}

	dest := s.NodeURL + strings.TrimPrefix(r.URL.Path, "/api")
	log.Printf("forwarding signed payload: %s %s", r.Method, dest)
	status, respBody, err := httpx.Request(r.Context(), s.HTTPClient, r.Method, dest, "application/json", envJSON)
	if err != nil {
		s.Metrics.Inc("upstream_failures")
		log.Printf("proxy request failed: %s %s: %v", r.Method, dest, err)
		httpx.Text(w, 500, fmt.Sprintf("failed to proxy request: %s %s - %v", r.Method, dest, err))
		return
	}
	if status >= 400 {
		s.Metrics.Inc("upstream_failures")
		log.Printf("proxy request rejected: %s %s: status %d", r.Method, dest, status)
		httpx.Text(w, 500, fmt.Sprintf("failed to proxy request: %s %s - upstream status %d - %s", r.Method, dest, status, respBody))
		return
	}
	s.Metrics.Inc("signed_forwards")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		httpx.Text(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Text(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
