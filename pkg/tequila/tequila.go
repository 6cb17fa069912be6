// Package tequila talks to the EPFL Tequila single-sign-on service. The
// protocol is a two-step handshake over plain HTTP: create a one-time request
// key, redirect the browser to the Tequila login page, then redeem the key
// the browser comes back with for the verified attributes.
package tequila

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MeKHell/d-voting/pkg/httpx"
)

var (
	// ErrUpstreamUnavailable means Tequila could not be reached or answered
	// with something unparsable.
	ErrUpstreamUnavailable = errors.New("tequila unavailable")
	// ErrLoginRejected means Tequila refused the one-time key.
	ErrLoginRejected = errors.New("login rejected")
)

// Attributes are the verified identity fields Tequila returns for a redeemed
// key.
type Attributes struct {
	Sciper    int
	LastName  string
	FirstName string
}

// Client is the SSO bridge. CallbackURL is the absolute URL of this gateway's
// control_key endpoint, named to Tequila as the relying-party return address.
type Client struct {
	HTTP        *http.Client
	BaseURL     string
	CallbackURL string
}

// RequestLoginURL asks Tequila for a one-time request key and returns the
// login page URL the browser must be redirected to.
func (c *Client) RequestLoginURL(ctx context.Context) (string, error) {
	body := fmt.Sprintf("urlaccess=%s\nservice=Evoting\nrequest=name,firstname,email,uniqueid,allunits", c.CallbackURL)
	status, resp, err := httpx.Request(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/cgi-bin/tequila/createrequest", "text/plain", []byte(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: createrequest returned %d", ErrUpstreamUnavailable, status)
	}
	key := parseField(string(resp), "key")
	if key == "" {
		return "", fmt.Errorf("%w: no key in createrequest response", ErrUpstreamUnavailable)
	}
	return c.BaseURL + "/cgi-bin/tequila/requestauth?requestkey=" + key, nil
}

// FetchAttributes redeems the one-time key for the verified identity fields.
func (c *Client) FetchAttributes(ctx context.Context, key string) (Attributes, error) {
	status, resp, err := httpx.Request(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/cgi-bin/tequila/fetchattributes", "text/plain", []byte("key="+key))
	if err != nil {
		return Attributes{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	raw := string(resp)
	if status != http.StatusOK || !strings.Contains(raw, "status=ok") {
		return Attributes{}, ErrLoginRejected
	}
	sciper, err := strconv.Atoi(parseField(raw, "uniqueid"))
	if err != nil {
		return Attributes{}, fmt.Errorf("%w: bad uniqueid: %v", ErrLoginRejected, err)
	}
	return Attributes{
		Sciper:    sciper,
		LastName:  parseField(raw, "name"),
		FirstName: parseField(raw, "firstname"),
	}, nil
}

// parseField extracts a value from Tequila's line-delimited key=value body.
func parseField(raw, field string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if value, ok := strings.CutPrefix(line, field+"="); ok {
			return value
		}
	}
	return ""
}
