// Package hardening refuses production-like deployments with a configuration
// that would weaken the trust the gateway provides. The checks run once at
// startup; a failure aborts the boot.
package hardening

import (
	"fmt"
	"strings"
)

type Secret struct {
	Name  string
	Value string
}

type Options struct {
	Environment        string
	Strict             string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	TequilaURL         string
	Secrets            []Secret
}

// ValidateProduction enforces the strict profile in production and staging.
// Development environments are never blocked.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.Strict, true) {
		return nil
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("gateway: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("gateway: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("gateway: strict production hardening forbids REDIS_TLS_INSECURE")
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return err
	}
	tequilaURL := strings.ToLower(strings.TrimSpace(o.TequilaURL))
	if tequilaURL != "" && !strings.HasPrefix(tequilaURL, "https://") {
		return fmt.Errorf("gateway: strict production hardening requires an HTTPS Tequila URL, got %q", o.TequilaURL)
	}
	for _, secret := range o.Secrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fmt.Errorf("gateway: strict production hardening requires %s", secret.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("gateway: strict production hardening forbids CORS wildcard origin")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("gateway: strict production hardening forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("gateway: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("gateway: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
