// Package normalizers provides field normalization functions for matching and indexing
package normalizers

import (
	"strings"
	"unicode"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("nemail", NormalizeEmail)
	Register("nphone", NormalizePhone)
	Register("nname", NormalizeName)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// attributeNormalizers maps each known attribute to its normalizer.
var attributeNormalizers = map[string]Normalizer{
	models.AttributeEmail:       NormalizeEmail,
	models.AttributePhone:       NormalizePhone,
	models.AttributeFirstName:   NormalizeName,
	models.AttributeLastName:    NormalizeName,
	models.AttributeCompanyName: NormalizeName,
}

// NormalizeAttributes maps raw attribute values to their comparison-ready
// forms. Attributes that normalize to the empty string are dropped, so a
// missing and a blank value are indistinguishable downstream. Deterministic:
// the same input always yields the same output.
func NormalizeAttributes(attributes map[string]string) map[string]string {
	normalized := make(map[string]string, len(attributes))
	for name, value := range attributes {
		fn, ok := attributeNormalizers[name]
		if !ok {
			continue
		}
		if v := fn(value); v != "" {
			normalized[name] = v
		}
	}
	return normalized
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone removes all non-digit characters from a phone number
func NormalizePhone(s string) string {
	return DigitsOnly(s)
}

// NormalizeName normalizes a person or company name for matching
// - Lowercase
// - Collapse whitespace
// - Remove common suffixes (Jr., Sr., III, etc.)
// - Remove punctuation
func NormalizeName(s string) string {
	s = strings.ToLower(s)

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
