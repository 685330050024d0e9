// Package validation checks command intake input before it reaches the
// coordinator.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxStringLength bounds free-text fields
const MaxStringLength = 256

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	dealIDRegex     = regexp.MustCompile(`^#P2PMMX[1-9][0-9]{3,7}$`)
	txHashRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks for a 32-byte hex transaction hash
func IsValidTxHash(h string) bool {
	return txHashRegex.MatchString(h)
}

// NormalizeDealID accepts ids with or without the leading '#' and in any
// case, returning the canonical "#P2PMMX" + digits form.
func NormalizeDealID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id != "" && !strings.HasPrefix(id, "#") {
		id = "#" + id
	}
	return id
}

// IsValidDealID checks a normalized deal id
func IsValidDealID(id string) bool {
	return dealIDRegex.MatchString(id)
}

// SanitizeString trims, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// RequiredID checks that a user id was supplied
func RequiredID(field string, id int64) func() *ValidationError {
	return func() *ValidationError {
		if id <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive user id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidTxHash checks an optional transaction hash
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTxHash(value) {
			return &ValidationError{Field: field, Message: "must be a 0x-prefixed 32-byte hash"}
		}
		return nil
	}
}

// DealIDParamMiddleware normalizes the :id URL parameter and rejects
// malformed deal ids early.
func DealIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for i, p := range c.Params {
			if p.Key != "id" {
				continue
			}
			id := NormalizeDealID(p.Value)
			if !IsValidDealID(id) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_deal_id",
					"message": "deal id must look like #P2PMMX12345678",
				})
				return
			}
			c.Params[i].Value = id
		}
		c.Next()
	}
}
