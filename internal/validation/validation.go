// Package validation provides input validation for the payout API.
package validation

import (
	"regexp"
	"strings"

	"github.com/Molam-git/molam-connect-sub001/internal/money"
)

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 10000

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	countryRegex  = regexp.MustCompile(`^[A-Z]{2}$`)
)

// ValidationError represents a single field error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error joins all messages into one string.
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// Validate collects the non-nil results of the given checks.
func Validate(checks ...*ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, c := range checks {
		if c != nil {
			errs = append(errs, *c)
		}
	}
	return errs
}

// ValidAmount checks that value is a positive decimal amount.
func ValidAmount(field, value string) *ValidationError {
	amt, ok := money.Parse(value)
	if !ok {
		return &ValidationError{Field: field, Message: "must be a decimal amount"}
	}
	if amt.Sign() <= 0 {
		return &ValidationError{Field: field, Message: "must be positive"}
	}
	return nil
}

// ValidCurrency checks for a supported ISO 4217 code.
func ValidCurrency(field, value string) *ValidationError {
	if !currencyRegex.MatchString(value) || !money.ValidCurrency(value) {
		return &ValidationError{Field: field, Message: "unsupported currency"}
	}
	return nil
}

// ValidCountry checks for a two-letter ISO 3166-1 code.
func ValidCountry(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	if !countryRegex.MatchString(value) {
		return &ValidationError{Field: field, Message: "must be a two-letter country code"}
	}
	return nil
}

// Required checks that a field is non-empty.
func Required(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
