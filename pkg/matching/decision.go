package matching

import (
	"sort"
	"time"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// Action is the outcome the decision engine picks for a resolve call.
type Action string

const (
	// ActionCreate creates a brand new entity seeded from the incoming record.
	ActionCreate Action = "create"
	// ActionLink attaches the incoming record to the best candidate entity.
	ActionLink Action = "link"
	// ActionMerge unifies the two top candidate entities, then links the record.
	ActionMerge Action = "merge"
)

// Candidate pairs an entity score with the entity metadata the tie-break needs.
type Candidate struct {
	EntityScore
	EntityCreatedAt time.Time
}

// Decision is the decision engine's output.
type Decision struct {
	Action Action
	// Best is the winning candidate; nil for CREATE.
	Best *Candidate
	// Absorbed is the second entity of a MERGE; nil otherwise.
	Absorbed *Candidate
}

// Decide applies the two-threshold rule to the scored candidates.
//
// No candidate at or above the match threshold creates a new entity. The best
// candidate wins on (score desc, entity created_at asc, entity id asc). A
// merge happens only when the best clears the merge threshold, a distinct
// runner-up also clears the match threshold, and the two are not score-tied;
// a score tie between distinct entities links to the tie-break winner rather
// than silently merging unrelated entities.
func Decide(candidates []Candidate, params *models.ParameterSet) Decision {
	matched := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		// Inclusive boundary: a score exactly at the threshold matches.
		if c.Score >= params.MatchThreshold {
			matched = append(matched, c)
		}
	}

	if len(matched) == 0 {
		return Decision{Action: ActionCreate}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		if !matched[i].EntityCreatedAt.Equal(matched[j].EntityCreatedAt) {
			return matched[i].EntityCreatedAt.Before(matched[j].EntityCreatedAt)
		}
		return matched[i].EntityID < matched[j].EntityID
	})

	best := matched[0]

	if len(matched) > 1 {
		second := matched[1]
		tied := second.Score == best.Score
		if !tied && best.Score >= params.MergeThreshold && second.EntityID != best.EntityID {
			return Decision{Action: ActionMerge, Best: &best, Absorbed: &second}
		}
	}

	return Decision{Action: ActionLink, Best: &best}
}
