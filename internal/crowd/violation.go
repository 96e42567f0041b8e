package crowd

import "gonum.org/v1/gonum/spatial/r2"

// ViolationResult holds the social-distance outcome for a frame. Indices
// refer to positions in the frame's person slice, not track IDs.
type ViolationResult struct {
	Set    map[int]struct{}
	Counts []int
}

// Contains reports whether person i is part of at least one violating pair.
func (v ViolationResult) Contains(i int) bool {
	_, ok := v.Set[i]
	return ok
}

// Len returns the number of persons in violation.
func (v ViolationResult) Len() int {
	return len(v.Set)
}

// DetectViolations evaluates every unordered pair of persons. With a high
// overhead camera the distance is between the latest centroids, otherwise
// it is the gap between bounding boxes. A pair closer than threshold marks
// both persons.
func DetectViolations(persons []TrackedPerson, threshold float64, highCamera bool) ViolationResult {
	res := ViolationResult{
		Set:    make(map[int]struct{}),
		Counts: make([]int, len(persons)),
	}
	if len(persons) < 2 {
		return res
	}

	for i := 0; i < len(persons); i++ {
		for j := i + 1; j < len(persons); j++ {
			if pairDistance(persons[i], persons[j], highCamera) < threshold {
				res.Set[i] = struct{}{}
				res.Set[j] = struct{}{}
				res.Counts[i]++
				res.Counts[j]++
			}
		}
	}
	return res
}

func pairDistance(a, b TrackedPerson, highCamera bool) float64 {
	if highCamera {
		return r2.Norm(r2.Sub(a.Latest(), b.Latest()))
	}
	return a.Box.Gap(b.Box)
}
