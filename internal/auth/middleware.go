// Package auth gates the command intake.
//
// Authentication model:
//   - read-only routes (deal lookup, status, health) need nothing
//   - commands need the shared intake secret, sent by the chat layer in
//     X-Intake-Secret or as "Authorization: Bearer <secret>"
//   - who may do what inside a deal is decided per command from the
//     caller id in the request, not here
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderIntakeSecret carries the shared secret.
	HeaderIntakeSecret = "X-Intake-Secret"
	// ContextKeyIntake is set to true on requests that passed RequireSecret.
	ContextKeyIntake = "intakeAuthenticated"
)

// Secret is a configured intake secret. Only its digest is kept.
type Secret struct {
	digest [32]byte
	set    bool
}

func NewSecret(raw string) Secret {
	if raw == "" {
		return Secret{}
	}
	return Secret{digest: sha256.Sum256([]byte(raw)), set: true}
}

// Configured reports whether a secret was provided.
func (s Secret) Configured() bool { return s.set }

// Matches compares presented against the secret in constant time.
func (s Secret) Matches(presented string) bool {
	if !s.set || presented == "" {
		return false
	}
	d := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(d[:], s.digest[:]) == 1
}

// presented extracts the secret from the request headers.
func presented(c *gin.Context) string {
	if v := c.GetHeader(HeaderIntakeSecret); v != "" {
		return v
	}
	if v := c.GetHeader("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

// Authenticates reports whether the request carries the configured secret.
func (s Secret) Authenticates(c *gin.Context) bool {
	return s.Matches(presented(c))
}

// RequireSecret rejects requests without the intake secret. An
// unconfigured secret lets everything through; configuration validation
// refuses that in production.
func RequireSecret(s Secret) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Configured() {
			c.Set(ContextKeyIntake, true)
			c.Next()
			return
		}
		if !s.Authenticates(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Intake secret required. Include the '" + HeaderIntakeSecret + "' header.",
			})
			return
		}
		c.Set(ContextKeyIntake, true)
		c.Next()
	}
}

// IsIntake reports whether the request passed RequireSecret.
func IsIntake(c *gin.Context) bool {
	return c.GetBool(ContextKeyIntake)
}
