// Package validation provides input validation middleware for the settlement API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MinIdentityLength and MaxIdentityLength bound an entity identity string
// (agent, api, arbitrary account). The core treats identities as opaque;
// these bounds just keep the field usable as a database key and a seed in
// address derivation.
const (
	MinIdentityLength = 1
	MaxIdentityLength = 128
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity reports whether s is usable as an entity identity: a
// non-empty, bounded-length string with no embedded whitespace or null
// bytes. Unlike the account-identity schemes of other chains, this core
// places no format constraint on identities beyond that.
func IsValidIdentity(s string) bool {
	if len(s) < MinIdentityLength || len(s) > MaxIdentityLength {
		return false
	}
	for _, r := range s {
		if r == 0 || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeIdentity trims and bounds an entity identity string.
func SanitizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > MaxIdentityLength {
		s = s[:MaxIdentityLength]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field string `json:"field"`
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidIdentity checks if a field is a usable entity identity.
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentity(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters with no whitespace"}
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

// IdentityParamMiddleware validates the :address URL parameter on routes
// that use it, rejecting malformed identities early.
func IdentityParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidIdentity(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid_address",
				"message": "address must be 1-128 characters with no whitespace",
			})
			return
		}
		c.Next()
	}
}

// ValidAmount checks that a field is a positive integer amount expressed in
// the ledger's minor unit.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		hasNonZero := false
		for _, c := range value {
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "must be a positive integer amount"}
			}
			if c != '0' {
				hasNonZero = true
			}
		}
		if !hasNonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
