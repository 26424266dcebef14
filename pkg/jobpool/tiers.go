package jobpool

import (
	"sort"
	"strings"
)

// Subscription tiers shipped by default.
const (
	TierScout   = "scout"
	TierMVP     = "mvp"
	TierAllStar = "allstar"
)

// TierMap maps caller tier labels to priorities. Higher priorities are
// serviced first. Labels are matched case-insensitively.
type TierMap map[string]int

// DefaultTierMap returns scout=1, mvp=2, allstar=3.
func DefaultTierMap() TierMap {
	return TierMap{
		TierScout:   1,
		TierMVP:     2,
		TierAllStar: 3,
	}
}

// Resolve returns the priority for tier. Unknown tiers map to the lowest
// defined priority.
func (m TierMap) Resolve(tier string) int {
	key := strings.ToLower(strings.TrimSpace(tier))
	for label, p := range m {
		if strings.ToLower(label) == key {
			return p
		}
	}
	return m.Lowest()
}

// Lowest returns the smallest priority in the map, or 0 for an empty map.
func (m TierMap) Lowest() int {
	first := true
	lowest := 0
	for _, p := range m {
		if first || p < lowest {
			lowest = p
			first = false
		}
	}
	return lowest
}

// Labels returns the tier labels ordered by priority, lowest first.
func (m TierMap) Labels() []string {
	labels := make([]string, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if m[labels[i]] != m[labels[j]] {
			return m[labels[i]] < m[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

func (m TierMap) clone() TierMap {
	out := make(TierMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
