package matching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

func testParams() *models.ParameterSet {
	return DefaultParameterSet("test-tenant")
}

func member(normalized map[string]string) *models.Record {
	return &models.Record{
		ID:         "rec-1",
		TenantID:   "test-tenant",
		Normalized: normalized,
	}
}

func TestScorePair(t *testing.T) {
	scorer := NewScorer()
	params := testParams()

	t.Run("EmailAgreement", func(t *testing.T) {
		pair := scorer.ScorePair(
			map[string]string{models.AttributeEmail: "betty@x.com"},
			member(map[string]string{models.AttributeEmail: "betty@x.com"}),
			params,
		)

		expected := math.Log(0.97 / 0.001)
		assert.InDelta(t, expected, pair.Score, 1e-9)
		assert.Equal(t, []string{models.AttributeEmail}, pair.Agreed)
	})

	t.Run("EmailDisagreementIsNegative", func(t *testing.T) {
		pair := scorer.ScorePair(
			map[string]string{models.AttributeEmail: "betty@x.com"},
			member(map[string]string{models.AttributeEmail: "carl@y.com"}),
			params,
		)

		expected := math.Log((1 - 0.97) / (1 - 0.001))
		assert.InDelta(t, expected, pair.Score, 1e-9)
		assert.Empty(t, pair.Agreed)
	})

	t.Run("MissingFieldIsNeutral", func(t *testing.T) {
		withPhone := scorer.ScorePair(
			map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			},
			member(map[string]string{models.AttributeEmail: "betty@x.com"}),
			params,
		)
		withoutPhone := scorer.ScorePair(
			map[string]string{models.AttributeEmail: "betty@x.com"},
			member(map[string]string{models.AttributeEmail: "betty@x.com"}),
			params,
		)

		// phone missing on the member side contributes nothing
		assert.InDelta(t, withoutPhone.Score, withPhone.Score, 1e-9)
	})

	t.Run("ScoreMonotonicity", func(t *testing.T) {
		base := scorer.ScorePair(
			map[string]string{models.AttributeEmail: "betty@x.com"},
			member(map[string]string{models.AttributeEmail: "betty@x.com"}),
			params,
		)
		more := scorer.ScorePair(
			map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			},
			member(map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			}),
			params,
		)

		assert.Greater(t, more.Score, base.Score)
	})

	t.Run("FuzzyNameAgreement", func(t *testing.T) {
		pair := scorer.ScorePair(
			map[string]string{models.AttributeLastName: "smith"},
			member(map[string]string{models.AttributeLastName: "smyth"}),
			params,
		)

		require.NotEmpty(t, pair.Agreed)
		assert.InDelta(t, math.Log(0.92/0.123), pair.Score, 1e-9)
	})

	t.Run("NameOnlyBelowMatchThreshold", func(t *testing.T) {
		pair := scorer.ScorePair(
			map[string]string{
				models.AttributeFirstName: "betty",
				models.AttributeLastName:  "smith",
			},
			member(map[string]string{
				models.AttributeFirstName: "betty",
				models.AttributeLastName:  "smith",
			}),
			params,
		)

		assert.Less(t, pair.Score, params.MatchThreshold)
	})

	t.Run("EmailPlusPhoneAboveMergeThreshold", func(t *testing.T) {
		pair := scorer.ScorePair(
			map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			},
			member(map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			}),
			params,
		)

		assert.GreaterOrEqual(t, pair.Score, params.MergeThreshold)
	})
}

func TestScoreEntity(t *testing.T) {
	scorer := NewScorer()
	params := testParams()

	t.Run("BestMemberWins", func(t *testing.T) {
		close := &models.Record{
			ID:           "rec-close",
			SourceSystem: "crm",
			Normalized: map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			},
		}
		outlier := &models.Record{
			ID:           "rec-outlier",
			SourceSystem: "billing",
			Normalized: map[string]string{
				models.AttributeEmail: "other@y.com",
				models.AttributePhone: "9990000000",
			},
		}

		score := scorer.ScoreEntity(
			map[string]string{
				models.AttributeEmail: "betty@x.com",
				models.AttributePhone: "5551234567",
			},
			"entity-1",
			[]*models.Record{outlier, close},
			params,
		)

		require.NotNil(t, score.BestMember)
		assert.Equal(t, "rec-close", score.BestMember.ID)
		assert.GreaterOrEqual(t, score.Score, params.MergeThreshold)
	})

	t.Run("NoMembers", func(t *testing.T) {
		score := scorer.ScoreEntity(map[string]string{models.AttributeEmail: "a@b.com"}, "entity-1", nil, params)
		assert.Nil(t, score.BestMember)
		assert.Zero(t, score.Score)
	})
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, Confidence(0), 1e-9)
	assert.Greater(t, Confidence(9.0), 0.99)
	assert.Less(t, Confidence(-5.0), 0.01)
}

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 1.0, JaroWinkler("smith", "smith"))
	assert.GreaterOrEqual(t, JaroWinkler("smith", "smyth"), DefaultFuzzyThreshold)
	assert.Less(t, JaroWinkler("smith", "jones"), DefaultFuzzyThreshold)
	assert.Equal(t, 0.0, Jaro("", "smith"))
}

func TestComparatorFor(t *testing.T) {
	t.Run("parameter set can force exact matching on a name field", func(t *testing.T) {
		fuzzy := ComparatorFor(models.AttributeLastName, models.FieldParams{M: 0.92, U: 0.123})
		exact := ComparatorFor(models.AttributeLastName, models.FieldParams{M: 0.92, U: 0.123, Comparator: models.ComparatorExact})

		assert.True(t, fuzzy("smith", "smyth"))
		assert.False(t, exact("smith", "smyth"))
	})

	t.Run("parameter set can raise the fuzzy threshold", func(t *testing.T) {
		strict := ComparatorFor(models.AttributeLastName, models.FieldParams{
			M: 0.92, U: 0.123, Comparator: models.ComparatorJaroWinkler, Threshold: 0.95,
		})

		assert.False(t, strict("smith", "smyth"))
		assert.True(t, strict("smith", "smith"))
	})

	t.Run("unspecified comparator keeps identifiers exact", func(t *testing.T) {
		cmp := ComparatorFor(models.AttributeEmail, models.FieldParams{M: 0.97, U: 0.001})

		assert.False(t, cmp("ada@x.com", "ada@y.com"))
		assert.True(t, cmp("ada@x.com", "ada@x.com"))
	})
}

func TestScorePair_ComparatorFromParameters(t *testing.T) {
	scorer := NewScorer()
	params := testParams()
	lastName := params.Fields[models.AttributeLastName]
	lastName.Comparator = models.ComparatorExact
	params.Fields[models.AttributeLastName] = lastName

	member := &models.Record{
		ID: "rec-1",
		Normalized: map[string]string{
			models.AttributeLastName: "smyth",
		},
	}

	pair := scorer.ScorePair(map[string]string{models.AttributeLastName: "smith"}, member, params)
	assert.Less(t, pair.Score, 0.0)
	assert.Empty(t, pair.Agreed)
}
