package downsample

import (
	"math"
	"time"
)

// lttb reduces a line series to exactly target points with
// Largest-Triangle-Three-Buckets.
//
// The first and last input points are kept verbatim. The interior is split
// into target-2 buckets of width (n-2)/(target-2); each bucket contributes
// the point forming the largest triangle with the previously selected point
// and the centroid of the next bucket (shoelace area over a numeric x axis
// of epoch milliseconds). Selection keeps original points only, never
// synthesized ones.
//
// Called with n > target. Targets below 3 cannot hold both endpoints plus an
// interior, so they degrade to the endpoints alone.
func lttb(s Series, target int) (Series, error) {
	n := s.Len()

	switch target {
	case 1:
		return pick(s, []int{0}), nil
	case 2:
		return pick(s, []int{0, n - 1}), nil
	}

	indexes := make([]int, 0, target)
	indexes = append(indexes, 0)

	every := float64(n-2) / float64(target-2)
	a := 0

	for i := 0; i < target-2; i++ {
		// Centroid of the next bucket.
		avgStart := int(float64(i+1)*every) + 1

		avgEnd := int(float64(i+2)*every) + 1
		if avgEnd > n {
			avgEnd = n
		}

		var avgX, avgY float64

		for j := avgStart; j < avgEnd; j++ {
			avgX += xAxis(s.Timestamps[j])
			avgY += s.Values[j]
		}

		count := float64(avgEnd - avgStart)
		avgX /= count
		avgY /= count

		// Current bucket.
		rangeStart := int(float64(i)*every) + 1
		rangeEnd := int(float64(i+1)*every) + 1

		ax := xAxis(s.Timestamps[a])
		ay := s.Values[a]

		maxArea := -1.0
		maxIdx := rangeStart

		for j := rangeStart; j < rangeEnd; j++ {
			area := math.Abs((ax-avgX)*(s.Values[j]-ay)-(ax-xAxis(s.Timestamps[j]))*(avgY-ay)) * 0.5
			if area > maxArea {
				maxArea = area
				maxIdx = j
			}
		}

		indexes = append(indexes, maxIdx)
		a = maxIdx
	}

	indexes = append(indexes, n-1)

	return pick(s, indexes), nil
}

// xAxis projects a timestamp onto the linear numeric axis the triangle areas
// are computed over.
func xAxis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
