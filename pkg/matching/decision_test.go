package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(entityID string, score float64, createdAt time.Time) Candidate {
	return Candidate{
		EntityScore:     EntityScore{EntityID: entityID, Score: score},
		EntityCreatedAt: createdAt,
	}
}

func TestDecide(t *testing.T) {
	params := testParams() // match 5.0, merge 9.0
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("NoCandidatesCreates", func(t *testing.T) {
		d := Decide(nil, params)
		assert.Equal(t, ActionCreate, d.Action)
		assert.Nil(t, d.Best)
	})

	t.Run("AllBelowMatchThresholdCreates", func(t *testing.T) {
		d := Decide([]Candidate{
			candidate("e1", 3.2, base),
			candidate("e2", 4.99, base),
		}, params)
		assert.Equal(t, ActionCreate, d.Action)
	})

	t.Run("ExactlyAtMatchThresholdLinks", func(t *testing.T) {
		d := Decide([]Candidate{candidate("e1", 5.0, base)}, params)
		require.Equal(t, ActionLink, d.Action)
		assert.Equal(t, "e1", d.Best.EntityID)
	})

	t.Run("JustBelowMatchThresholdCreates", func(t *testing.T) {
		d := Decide([]Candidate{candidate("e1", 4.0, base)}, params)
		assert.Equal(t, ActionCreate, d.Action)
	})

	t.Run("SingleStrongCandidateLinks", func(t *testing.T) {
		// merge needs a distinct runner-up over the match threshold
		d := Decide([]Candidate{candidate("e1", 13.0, base)}, params)
		require.Equal(t, ActionLink, d.Action)
		assert.Equal(t, "e1", d.Best.EntityID)
	})

	t.Run("StrongBestWithQualifyingRunnerUpMerges", func(t *testing.T) {
		d := Decide([]Candidate{
			candidate("e2", 6.0, base.Add(time.Hour)),
			candidate("e1", 13.0, base),
		}, params)
		require.Equal(t, ActionMerge, d.Action)
		assert.Equal(t, "e1", d.Best.EntityID)
		assert.Equal(t, "e2", d.Absorbed.EntityID)
	})

	t.Run("BestBelowMergeThresholdLinks", func(t *testing.T) {
		d := Decide([]Candidate{
			candidate("e1", 8.0, base),
			candidate("e2", 6.0, base),
		}, params)
		assert.Equal(t, ActionLink, d.Action)
	})

	t.Run("ScoreTieLinksToEarliestCreated", func(t *testing.T) {
		d := Decide([]Candidate{
			candidate("e2", 13.0, base.Add(time.Hour)),
			candidate("e1", 13.0, base),
		}, params)
		require.Equal(t, ActionLink, d.Action)
		assert.Equal(t, "e1", d.Best.EntityID)
		assert.Nil(t, d.Absorbed)
	})

	t.Run("ScoreAndTimeTieBreaksOnID", func(t *testing.T) {
		d := Decide([]Candidate{
			candidate("e9", 13.0, base),
			candidate("e1", 13.0, base),
		}, params)
		require.Equal(t, ActionLink, d.Action)
		assert.Equal(t, "e1", d.Best.EntityID)
	})

	t.Run("Deterministic", func(t *testing.T) {
		in := []Candidate{
			candidate("e3", 6.0, base.Add(2*time.Hour)),
			candidate("e1", 13.0, base),
			candidate("e2", 7.0, base.Add(time.Hour)),
		}
		first := Decide(in, params)
		second := Decide(in, params)
		assert.Equal(t, first.Action, second.Action)
		assert.Equal(t, first.Best.EntityID, second.Best.EntityID)
	})
}
