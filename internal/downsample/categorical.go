package downsample

import "sort"

// bucketCategories reduces a categorical series to target entries: the top
// target-1 categories by value, descending, plus a synthetic "Others" entry
// summing the folded remainder. Ties keep input order (stable sort).
//
// Called with n > target, so the remainder is never empty; the guard stays
// for the degenerate target=n case all the same. Timestamps do not survive
// bucketing: the output is label-keyed. Metadata of kept categories is
// carried; "Others" has none.
func bucketCategories(s Series, target int) (Series, error) {
	n := s.Len()

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return s.Values[order[a]] > s.Values[order[b]]
	})

	keep := target - 1
	if keep < 0 {
		keep = 0
	}

	out := Series{
		Kind:   KindCategorical,
		Labels: make([]string, 0, target),
		Values: make([]float64, 0, target),
	}

	if s.Metadata != nil {
		out.Metadata = make([]map[string]interface{}, 0, target)
	}

	for _, idx := range order[:keep] {
		out.Labels = append(out.Labels, s.Labels[idx])
		out.Values = append(out.Values, s.Values[idx])

		if s.Metadata != nil {
			out.Metadata = append(out.Metadata, s.Metadata[idx])
		}
	}

	if len(order) > keep {
		var others float64
		for _, idx := range order[keep:] {
			others += s.Values[idx]
		}

		out.Labels = append(out.Labels, OthersLabel)
		out.Values = append(out.Values, others)

		if s.Metadata != nil {
			out.Metadata = append(out.Metadata, nil)
		}
	}

	return out, nil
}
