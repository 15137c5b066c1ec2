package connection

import "slices"

// Partition splits ids into consecutive groups of at most limit, preserving
// order. The last group may be smaller.
func Partition(ids []int64, limit int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}

	groups := make([][]int64, 0, (len(ids)+limit-1)/limit)
	for start := 0; start < len(ids); start += limit {
		end := min(start+limit, len(ids))
		groups = append(groups, slices.Clone(ids[start:end]))
	}
	return groups
}

// normalizeGroup returns ids sorted with duplicates removed.
func normalizeGroup(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
