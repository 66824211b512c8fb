// Package validation provides input validation middleware for the Callshield API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// e164Regex validates E.164 phone numbers: +, country code, up to 15 digits total
	e164Regex = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	// sessionIDRegex validates session tokens issued by idgen
	sessionIDRegex = regexp.MustCompile(`^sess_[a-f0-9]{24}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPhoneNumber checks if a string is a valid E.164 phone number
func IsValidPhoneNumber(number string) bool {
	return e164Regex.MatchString(number)
}

// IsValidSessionID checks if a string has the shape of an issued session token
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
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

// SanitizePhoneNumber normalizes a phone number toward E.164: strips spaces,
// dashes, dots and parentheses. It does not guess country codes.
func SanitizePhoneNumber(number string) string {
	number = strings.TrimSpace(number)
	var b strings.Builder
	b.Grow(len(number))
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// dropped
		default:
			b.WriteRune(r) // left in place so validation rejects it
		}
	}
	return b.String()
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// SessionParamMiddleware validates the :id URL parameter on session routes.
// Apply to route groups that include :id params to reject malformed tokens early.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id is malformed",
			})
			return
		}
		c.Next()
	}
}
