package photos

import (
	"sort"
	"time"
)

// DefaultGroupingWindow is the maximum capture-time gap between consecutive
// pages of the same multi-page bill.
const DefaultGroupingWindow = 5 * time.Minute

// GroupByTime partitions photos into bill groups. Photos are sorted by
// capture time and a new group starts whenever the gap to the previous photo
// exceeds the window. A group of size 1 is valid. Pure function, no side
// effects.
func GroupByTime(list []Photo, window time.Duration) []Group {
	if len(list) == 0 {
		return nil
	}

	sorted := make([]Photo, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CapturedAt.Equal(sorted[j].CapturedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	groups := []Group{{ID: sorted[0].ID, Photos: []Photo{sorted[0]}}}
	for _, p := range sorted[1:] {
		current := &groups[len(groups)-1]
		last := current.Photos[len(current.Photos)-1]
		if p.CapturedAt.Sub(last.CapturedAt) <= window {
			current.Photos = append(current.Photos, p)
			continue
		}
		groups = append(groups, Group{ID: p.ID, Photos: []Photo{p}})
	}
	return groups
}
