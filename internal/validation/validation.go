// Package validation checks request parameters and renders the failures as
// field-level errors.
package validation

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware rejects bodies larger than maxSize once read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "invalid request"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check validates one parameter, returning nil when it is acceptable.
type Check func() *FieldError

// Validate runs every check and collects the failures in order.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Abort answers 400 with the field errors.
func Abort(c *gin.Context, errs Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func parseInt(field, raw string) (int, *FieldError) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &FieldError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

// IntInRange stores raw in dst when it parses to a value in [min, max].
// An empty raw keeps dst.
func IntInRange(field, raw string, min, max int, dst *int) Check {
	return func() *FieldError {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		n, fe := parseInt(field, raw)
		if fe != nil {
			return fe
		}
		if n < min || n > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		*dst = n
		return nil
	}
}

// IntAtLeast is IntInRange without an upper bound.
func IntAtLeast(field, raw string, min int, dst *int) Check {
	return func() *FieldError {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		n, fe := parseInt(field, raw)
		if fe != nil {
			return fe
		}
		if n < min {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be at least %d", min)}
		}
		*dst = n
		return nil
	}
}

// Bool accepts the spellings strconv.ParseBool does. Empty keeps dst.
func Bool(field, raw string, dst *bool) Check {
	return func() *FieldError {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return &FieldError{Field: field, Message: "must be true or false"}
		}
		*dst = b
		return nil
	}
}

// OneOf accepts an empty value or any of allowed.
func OneOf(field, value string, allowed ...string) Check {
	return func() *FieldError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
