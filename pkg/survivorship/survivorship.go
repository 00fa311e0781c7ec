// Package survivorship selects the winning field values when linked records disagree.
package survivorship

import (
	"fmt"
	"sort"

	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

// Strategy names accepted in configuration.
const (
	StrategyMostComplete   = "most_complete"
	StrategyMostRecent     = "most_recent"
	StrategyPreferNonEmpty = "prefer_non_empty"
)

// Policy computes canonical data over a set of member records.
type Policy interface {
	// Name returns the configured strategy name.
	Name() string
	// Apply folds a newly linked record's fields into existing canonical data.
	// Only fields present on the new record may change.
	Apply(canonical map[string]string, record *models.Record) map[string]string
	// Recompute rebuilds canonical data from the full membership set, oldest
	// record first. Used after merges.
	Recompute(members []*models.Record) map[string]string
}

// New returns the policy for a strategy name.
func New(strategy string) (Policy, error) {
	switch strategy {
	case StrategyMostComplete, "":
		return mostComplete{}, nil
	case StrategyMostRecent:
		return mostRecent{}, nil
	case StrategyPreferNonEmpty:
		return preferNonEmpty{}, nil
	default:
		return nil, fmt.Errorf("unknown survivorship strategy %q", strategy)
	}
}

// byCreatedAt orders records oldest first, record id as the tie-break.
func byCreatedAt(members []*models.Record) []*models.Record {
	sorted := make([]*models.Record, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func cloneData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// mostComplete keeps the longest value per field. The default policy: a
// fuller value ("Elizabeth Smith") beats a shorter one ("E. Smith").
type mostComplete struct{}

func (mostComplete) Name() string { return StrategyMostComplete }

func (mostComplete) Apply(canonical map[string]string, record *models.Record) map[string]string {
	out := cloneData(canonical)
	for field, value := range record.Attributes {
		if value == "" {
			continue
		}
		if existing, ok := out[field]; !ok || len(value) > len(existing) {
			out[field] = value
		}
	}
	return out
}

func (p mostComplete) Recompute(members []*models.Record) map[string]string {
	out := map[string]string{}
	for _, member := range byCreatedAt(members) {
		out = p.Apply(out, member)
	}
	return out
}

// mostRecent lets the newest record win every field it carries.
type mostRecent struct{}

func (mostRecent) Name() string { return StrategyMostRecent }

func (mostRecent) Apply(canonical map[string]string, record *models.Record) map[string]string {
	out := cloneData(canonical)
	for field, value := range record.Attributes {
		if value != "" {
			out[field] = value
		}
	}
	return out
}

func (p mostRecent) Recompute(members []*models.Record) map[string]string {
	out := map[string]string{}
	for _, member := range byCreatedAt(members) {
		out = p.Apply(out, member)
	}
	return out
}

// preferNonEmpty keeps the first value seen per field and only fills gaps.
type preferNonEmpty struct{}

func (preferNonEmpty) Name() string { return StrategyPreferNonEmpty }

func (preferNonEmpty) Apply(canonical map[string]string, record *models.Record) map[string]string {
	out := cloneData(canonical)
	for field, value := range record.Attributes {
		if value == "" {
			continue
		}
		if _, ok := out[field]; !ok {
			out[field] = value
		}
	}
	return out
}

func (p preferNonEmpty) Recompute(members []*models.Record) map[string]string {
	out := map[string]string{}
	for _, member := range byCreatedAt(members) {
		out = p.Apply(out, member)
	}
	return out
}
