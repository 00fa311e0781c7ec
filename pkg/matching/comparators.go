// Package matching implements the probabilistic record scorer and the
// threshold decision engine that drive identity resolution.
package matching

import (
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// DefaultFuzzyThreshold is the Jaro-Winkler similarity above which two
// values are treated as agreeing when the parameter set does not supply a
// threshold of its own.
const DefaultFuzzyThreshold = 0.85

// Comparator classifies a pair of non-empty field values as agree (true)
// or disagree (false).
type Comparator func(a, b string) bool

// fuzzyByDefault marks the attributes that tolerate minor spelling variance
// when a parameter set does not name a comparator. Identifiers stay exact.
var fuzzyByDefault = map[string]bool{
	models.AttributeFirstName:   true,
	models.AttributeLastName:    true,
	models.AttributeCompanyName: true,
}

// ComparatorFor resolves the comparator for a field from its parameters.
// Parameter sets published by the training system carry the comparator name
// and fuzzy threshold per field; older sets carry neither and get the
// built-in per-attribute behavior.
func ComparatorFor(attribute string, fp models.FieldParams) Comparator {
	threshold := fp.Threshold
	if threshold == 0 {
		threshold = DefaultFuzzyThreshold
	}

	switch fp.Comparator {
	case models.ComparatorExact:
		return ExactComparator
	case models.ComparatorJaroWinkler:
		return FuzzyComparator(threshold)
	default:
		if fuzzyByDefault[attribute] {
			return FuzzyComparator(threshold)
		}
		return ExactComparator
	}
}

// ExactComparator agrees only on byte equality. Values are already normalized
// so no case folding happens here.
func ExactComparator(a, b string) bool {
	return a == b
}

// FuzzyComparator builds a comparator that agrees when the Jaro-Winkler
// similarity clears the given threshold.
func FuzzyComparator(threshold float64) Comparator {
	return func(a, b string) bool {
		return JaroWinkler(a, b) >= threshold
	}
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings.
// Returns a value between 0.0 (no similarity) and 1.0 (exact match).
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	jaro := Jaro(a, b)

	// Winkler modification: boost for common prefix
	prefixLen := 0
	maxPrefix := 4
	for i := 0; i < len(a) && i < len(b) && i < maxPrefix; i++ {
		if a[i] == b[i] {
			prefixLen++
		} else {
			break
		}
	}

	// Winkler scaling factor is typically 0.1
	scalingFactor := 0.1
	return jaro + float64(prefixLen)*scalingFactor*(1.0-jaro)
}

// Jaro calculates the Jaro similarity between two strings
func Jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Maximum distance for character matching
	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	transpositions := 0

	for i := 0; i < len(a); i++ {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)

		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	k := 0
	for i := 0; i < len(a); i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}
