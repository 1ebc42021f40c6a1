package gateway

import (
	"crypto/subtle"
	"os"

	"github.com/soyeahso/tradesim/internal/config"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the effective gateway credentials.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth merges config with TRADESIM_GATEWAY_TOKEN / _PASSWORD.
// Config values win over the environment.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:     cfg.Mode,
		Token:    firstNonEmpty(cfg.Token, os.Getenv("TRADESIM_GATEWAY_TOKEN")),
		Password: firstNonEmpty(cfg.Password, os.Getenv("TRADESIM_GATEWAY_PASSWORD")),
	}
	if auth.Mode == "" {
		auth.Mode = "token"
		if auth.Password != "" {
			auth.Mode = "password"
		}
	}
	return auth
}

// Authorize checks client credentials against the resolved server auth.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}
	switch server.Mode {
	case "token":
		return checkSecret("token", server.Token, client.Token)
	case "password":
		return checkSecret("password", server.Password, client.Password)
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}
}

func checkSecret(kind, want, got string) AuthResult {
	switch {
	case want == "":
		return AuthResult{Reason: "server " + kind + " not configured"}
	case got == "":
		return AuthResult{Reason: kind + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: kind + "_mismatch"}
	}
	return AuthResult{OK: true, Method: kind}
}

// safeEqual compares in constant time without leaking the secret's length.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
