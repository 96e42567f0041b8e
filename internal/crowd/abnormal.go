package crowd

import "gonum.org/v1/gonum/spatial/r2"

// KineticEnergy estimates the energy of a unit mass that moved from prev
// to cur over timeStep seconds.
func KineticEnergy(cur, prev r2.Vec, timeStep float64) float64 {
	if timeStep <= 0 {
		return 0
	}
	speed := r2.Norm(r2.Sub(cur, prev)) / timeStep
	return 0.5 * speed * speed
}

// AbnormalParams configures the abnormal-activity check.
type AbnormalParams struct {
	// EnergyThreshold is the per-track energy above which a track is
	// individually abnormal.
	EnergyThreshold float64
	// RatioThreshold is the fraction of abnormal tracks the crowd must
	// exceed.
	RatioThreshold float64
	// MinPeople is the population the frame must exceed before the crowd
	// flag can be raised.
	MinPeople int
}

// AbnormalResult is the abnormal-activity outcome for a frame.
type AbnormalResult struct {
	// Individuals holds the person indices whose energy exceeded the
	// threshold.
	Individuals map[int]struct{}
	// Energies is indexed like the person slice; NaN-free, 0 for persons
	// with fewer than two positions.
	Energies []float64
	// Eligible counts persons with at least two positions.
	Eligible int
	// MeanEnergy is the mean energy over eligible persons.
	MeanEnergy float64
	Crowd      bool
}

// Contains reports whether person i is individually abnormal.
func (a AbnormalResult) Contains(i int) bool {
	_, ok := a.Individuals[i]
	return ok
}

// DetectAbnormal computes per-track energies and the crowd-level flag.
// The crowd flag needs more than MinPeople persons and a strictly greater
// abnormal fraction than RatioThreshold.
func DetectAbnormal(persons []TrackedPerson, timeStep float64, p AbnormalParams) AbnormalResult {
	res := AbnormalResult{
		Individuals: make(map[int]struct{}),
		Energies:    make([]float64, len(persons)),
	}

	var sum float64
	for i, person := range persons {
		n := len(person.Positions)
		if n < 2 {
			continue
		}
		ke := KineticEnergy(person.Positions[n-1], person.Positions[n-2], timeStep)
		res.Energies[i] = ke
		res.Eligible++
		sum += ke
		if ke > p.EnergyThreshold {
			res.Individuals[i] = struct{}{}
		}
	}
	if res.Eligible > 0 {
		res.MeanEnergy = sum / float64(res.Eligible)
	}

	total := len(persons)
	if total > p.MinPeople && float64(len(res.Individuals))/float64(total) > p.RatioThreshold {
		res.Crowd = true
	}
	return res
}
