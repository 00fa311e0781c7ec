package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "betty@x.com", NormalizeEmail("  Betty@X.Com  "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "15551234567", NormalizePhone("+1 (555) 123-4567"))
	assert.Equal(t, "", NormalizePhone("no digits"))
}

func TestNormalizeName(t *testing.T) {
	t.Run("Lowercase", func(t *testing.T) {
		assert.Equal(t, "betty smith", NormalizeName("Betty Smith"))
	})

	t.Run("Suffixes", func(t *testing.T) {
		assert.Equal(t, "john doe", NormalizeName("John Doe Jr."))
		assert.Equal(t, "john doe", NormalizeName("John Doe III"))
	})

	t.Run("Punctuation", func(t *testing.T) {
		assert.Equal(t, "oconnor", NormalizeName("O'Connor"))
	})

	t.Run("WhitespaceCollapse", func(t *testing.T) {
		assert.Equal(t, "betty smith", NormalizeName("  Betty   Smith "))
	})
}

func TestNormalizeAttributes(t *testing.T) {
	t.Run("KnownAttributes", func(t *testing.T) {
		out := NormalizeAttributes(map[string]string{
			models.AttributeEmail:     "Betty@X.Com",
			models.AttributePhone:     "(555) 123-4567",
			models.AttributeFirstName: "Betty",
			models.AttributeLastName:  "Smith",
		})

		assert.Equal(t, map[string]string{
			models.AttributeEmail:     "betty@x.com",
			models.AttributePhone:     "5551234567",
			models.AttributeFirstName: "betty",
			models.AttributeLastName:  "smith",
		}, out)
	})

	t.Run("UnknownAttributesDropped", func(t *testing.T) {
		out := NormalizeAttributes(map[string]string{"favorite_color": "blue"})
		assert.Empty(t, out)
	})

	t.Run("BlankValuesDropped", func(t *testing.T) {
		out := NormalizeAttributes(map[string]string{
			models.AttributeEmail: "   ",
			models.AttributePhone: "ext",
		})
		assert.Empty(t, out)
	})

	t.Run("Deterministic", func(t *testing.T) {
		in := map[string]string{
			models.AttributeEmail:    "Betty@X.Com",
			models.AttributeLastName: "Smith Jr.",
		}
		assert.Equal(t, NormalizeAttributes(in), NormalizeAttributes(in))
	})
}
