package crowd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r2"
)

func moving(id int, dx float64) TrackedPerson {
	return TrackedPerson{
		ID:        id,
		Confirmed: true,
		Positions: []r2.Vec{{X: 0, Y: 0}, {X: dx, Y: 0}},
	}
}

func TestKineticEnergy(t *testing.T) {
	// 3-4-5 triangle over half a second: speed 10, energy 50.
	assert.InDelta(t, 50.0, KineticEnergy(r2.Vec{X: 3, Y: 4}, r2.Vec{}, 0.5), 1e-9)
	assert.Zero(t, KineticEnergy(r2.Vec{X: 3, Y: 4}, r2.Vec{}, 0))
}

func TestDetectAbnormalExcludesShortHistory(t *testing.T) {
	persons := []TrackedPerson{
		{ID: 1, Positions: []r2.Vec{{X: 1, Y: 1}}},
		{ID: 2},
		moving(3, 100),
	}
	res := DetectAbnormal(persons, 1, AbnormalParams{EnergyThreshold: 10})

	assert.Equal(t, 1, res.Eligible)
	assert.False(t, res.Contains(0))
	assert.False(t, res.Contains(1))
	assert.True(t, res.Contains(2))
	assert.InDelta(t, 5000.0, res.MeanEnergy, 1e-9)
}

func TestDetectAbnormalCrowdFlag(t *testing.T) {
	params := AbnormalParams{EnergyThreshold: 10, RatioThreshold: 0.5, MinPeople: 3}

	build := func(fast, slow int) []TrackedPerson {
		var out []TrackedPerson
		for i := 0; i < fast; i++ {
			out = append(out, moving(i, 100))
		}
		for i := 0; i < slow; i++ {
			out = append(out, moving(fast+i, 1))
		}
		return out
	}

	tests := []struct {
		name       string
		fast, slow int
		want       bool
	}{
		{"ratio above and population above", 3, 1, true},
		{"ratio exactly at threshold", 2, 2, false},
		{"population exactly at minimum", 3, 0, false},
		{"ratio below", 1, 4, false},
		{"empty frame", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DetectAbnormal(build(tt.fast, tt.slow), 1, params)
			assert.Equal(t, tt.want, res.Crowd)
			assert.Len(t, res.Individuals, tt.fast)
		})
	}
}

func TestDetectAbnormalCountsIneligibleInPopulation(t *testing.T) {
	// Four fast tracks plus two with no history: 4/6 > 0.6 and 6 > 5.
	persons := []TrackedPerson{moving(1, 50), moving(2, 50), moving(3, 50), moving(4, 50), {ID: 5}, {ID: 6}}
	res := DetectAbnormal(persons, 1, AbnormalParams{EnergyThreshold: 10, RatioThreshold: 0.6, MinPeople: 5})
	assert.True(t, res.Crowd)
}
