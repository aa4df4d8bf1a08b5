package analysis

import (
	"slices"
)

type point struct {
	x float64
	y float64
}

func median(data []float64) float64 {
	n := len(data)
	if n == 0 {
		panic("invalid argument: array is empty, median undefined")
	}

	slices.Sort(data)

	if n%2 == 0 {
		return (data[n/2-1] + data[n/2]) / 2
	}
	return data[n/2]
}

// slope returns the Theil-Sen estimator: the median of the slopes of all
// pairs of points. ok is false if all points share the same x coordinate.
func slope(pts []point) (m float64, ok bool) {
	var slopes []float64
	for i, a := range pts {
		for _, b := range pts[i+1:] {
			// Like in the original paper by Sen (1968), ignore pairs with the same x coordinate
			if a.x != b.x {
				slopes = append(slopes, (a.y-b.y)/(a.x-b.x))
			}
		}
	}
	if len(slopes) == 0 {
		return 0, false
	}
	return median(slopes), true
}

func intercept(m float64, pts []point) float64 {
	var intercepts []float64
	for _, p := range pts {
		intercepts = append(intercepts, p.y-m*p.x)
	}
	return median(intercepts)
}
