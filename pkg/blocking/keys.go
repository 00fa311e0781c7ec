// Package blocking derives candidate-index keys from normalized record attributes.
package blocking

import (
	"fmt"
	"strings"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// MinPhoneDigits is the minimum digit count for a phone value to produce a key.
const MinPhoneDigits = 7

// Key is a single blocking key derived from a record.
type Key struct {
	Type  string
	Value string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Value)
}

// GenerateKeys derives the blocking keys for a set of normalized attributes.
// Deterministic: the same input always yields the same key set. A record may
// produce zero keys, in which case candidate retrieval returns nothing and the
// record always creates a new entity.
func GenerateKeys(normalized map[string]string) []Key {
	var keys []Key

	if email, ok := normalized[models.AttributeEmail]; ok && validEmail(email) {
		keys = append(keys, Key{Type: models.BlockingKeyEmail, Value: email})
	}

	if phone, ok := normalized[models.AttributePhone]; ok && len(phone) >= MinPhoneDigits {
		keys = append(keys, Key{Type: models.BlockingKeyPhone, Value: phone})
	}

	first := normalized[models.AttributeFirstName]
	last := normalized[models.AttributeLastName]
	if first != "" && last != "" {
		prefix := first
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		keys = append(keys, Key{Type: models.BlockingKeyName, Value: prefix + ":" + last})
	}

	return keys
}

// validEmail requires a single "@" with non-empty local and domain parts.
// Anything weaker floods the email index with junk keys.
func validEmail(s string) bool {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	if strings.Count(s, "@") != 1 {
		return false
	}
	return !strings.ContainsAny(s, " \t")
}
