package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emilyakhya/MMS/internal/types"
)

// MaxNotesLength bounds free-text notes on a record.
const MaxNotesLength = 1000

// MaxBarcodeLength bounds a scanned barcode.
const MaxBarcodeLength = 128

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Field + " " + e.Message
}

// Errors is a non-empty set of validation failures.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an Errors value, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateNonNegative returns an error if value is below zero.
func ValidateNonNegative(field string, value int) *ValidationError {
	if value < 0 {
		return &ValidationError{
			Field:   field,
			Message: "must not be negative",
		}
	}
	return nil
}

// ValidateImageContentType returns an error unless contentType is image/*.
func ValidateImageContentType(field, contentType string) *ValidationError {
	if !strings.HasPrefix(contentType, "image/") {
		return &ValidationError{
			Field:   field,
			Message: "must be an image",
		}
	}
	return nil
}

// ValidateDate returns an error if a non-empty value is not YYYY-MM-DD.
func ValidateDate(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return &ValidationError{
			Field:   field,
			Message: "must be a date in YYYY-MM-DD format",
		}
	}
	return nil
}

// ValidateBarcode checks a scanned barcode value.
func ValidateBarcode(value string) error {
	var c Collector
	c.Add(ValidateRequired("barcode_id", value))
	c.Add(ValidateUTF8("barcode_id", value))
	c.Add(ValidateNoNullBytes("barcode_id", value))
	c.Add(ValidateMaxLength("barcode_id", value, MaxBarcodeLength))
	return c.Err()
}

// ValidateSubmission checks a record before it is submitted or queued.
// Confidence is only accepted with a source that involves the AI estimate.
func ValidateSubmission(rec types.RecordCreate) error {
	var c Collector

	c.Add(ValidateNonNegative("pill_count", rec.PillCount))

	allowed := make([]string, len(types.ValidSources))
	for i, s := range types.ValidSources {
		allowed[i] = string(s)
	}
	c.Add(ValidateEnum("source", string(rec.Source), allowed))

	if rec.Confidence != nil {
		c.Add(ValidateRange("confidence", *rec.Confidence, 0, 1))
		if !rec.Source.InvolvesAI() {
			c.Add(&ValidationError{
				Field:   "confidence",
				Message: "is only allowed with an AI source",
			})
		}
	}

	c.Add(ValidateUTF8("notes", rec.Notes))
	c.Add(ValidateNoNullBytes("notes", rec.Notes))
	c.Add(ValidateMaxLength("notes", rec.Notes, MaxNotesLength))

	return c.Err()
}
