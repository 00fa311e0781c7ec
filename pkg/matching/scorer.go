package matching

import (
	"math"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// Scorer evaluates the Fellegi-Sunter model over record pairs. All field
// weights come from the supplied parameter set; the scorer hard-codes only
// the aggregation formula.
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// PairScore is the composite log-odds score of one record pair.
type PairScore struct {
	Score  float64
	Agreed []string
}

// ScorePair scores an incoming record's normalized attributes against one
// member record. For each parameterized field present on both sides, the
// comparator classifies agree/disagree; agreement contributes log(m/u),
// disagreement log((1-m)/(1-u)). A field missing on either side contributes
// zero: missing data is evidence-neutral, never a penalty.
func (s *Scorer) ScorePair(incoming map[string]string, member *models.Record, params *models.ParameterSet) PairScore {
	result := PairScore{}

	for field, fp := range params.Fields {
		a, ok := incoming[field]
		if !ok || a == "" {
			continue
		}
		b, ok := member.NormalizedValue(field)
		if !ok {
			continue
		}

		if ComparatorFor(field, fp)(a, b) {
			result.Score += fp.AgreementWeight()
			result.Agreed = append(result.Agreed, field)
		} else {
			result.Score += fp.DisagreementWeight()
		}
	}

	return result
}

// EntityScore is the score of an incoming record against a candidate entity.
type EntityScore struct {
	EntityID   string
	Score      float64
	BestMember *models.Record
	Agreed     []string
}

// ScoreEntity scores the incoming record against each member of an entity and
// keeps the best-matching member. Scoring against the best member rather than
// a blended profile avoids dilution from a single outlier member.
func (s *Scorer) ScoreEntity(incoming map[string]string, entityID string, members []*models.Record, params *models.ParameterSet) EntityScore {
	best := EntityScore{
		EntityID: entityID,
		Score:    math.Inf(-1),
	}

	for _, member := range members {
		pair := s.ScorePair(incoming, member, params)
		if pair.Score > best.Score {
			best.Score = pair.Score
			best.BestMember = member
			best.Agreed = pair.Agreed
		}
	}

	if best.BestMember == nil {
		best.Score = 0
	}

	return best
}

// Confidence maps a composite log-odds score onto [0, 1] with a sigmoid.
func Confidence(score float64) float64 {
	return 1.0 / (1.0 + math.Exp(-score))
}
