package matching

import (
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// Default thresholds. A name-only agreement (~3.2) stays below the match
// threshold; email plus phone agreement (~13.0) clears the merge threshold.
const (
	DefaultMatchThreshold = 5.0
	DefaultMergeThreshold = 9.0
)

// DefaultFieldParams are the seed m/u probabilities used until a trained
// parameter set is published for a tenant.
func DefaultFieldParams() map[string]models.FieldParams {
	return map[string]models.FieldParams{
		models.AttributeEmail:       {M: 0.97, U: 0.001, Comparator: models.ComparatorExact},
		models.AttributePhone:       {M: 0.95, U: 0.002, Comparator: models.ComparatorExact},
		models.AttributeFirstName:   {M: 0.90, U: 0.27, Comparator: models.ComparatorJaroWinkler, Threshold: DefaultFuzzyThreshold},
		models.AttributeLastName:    {M: 0.92, U: 0.123, Comparator: models.ComparatorJaroWinkler, Threshold: DefaultFuzzyThreshold},
		models.AttributeCompanyName: {M: 0.80, U: 0.10, Comparator: models.ComparatorJaroWinkler, Threshold: DefaultFuzzyThreshold},
	}
}

// DefaultParameterSet builds the seed parameter set for a tenant.
func DefaultParameterSet(tenantID string) *models.ParameterSet {
	return &models.ParameterSet{
		TenantID:       tenantID,
		Version:        1,
		Fields:         DefaultFieldParams(),
		MatchThreshold: DefaultMatchThreshold,
		MergeThreshold: DefaultMergeThreshold,
		Active:         true,
	}
}
