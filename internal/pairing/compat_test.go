package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatibility_Pairable(t *testing.T) {
	c := NewCompatibility(DefaultConfig())

	cases := []struct {
		name string
		a, b DeviceReport
		want bool
	}{
		{"candidate behind reporter facing it", rep("a", 45, 21, 0), rep("b", lat30South, 21, 0), true},
		{"candidate ahead with its back turned", rep("a", 45, 21, 0), rep("b", 45.0005, 21, 0), false},
		{"candidate ahead facing reporter", rep("a", 45, 21, 0), rep("b", 45.0005, 21, 180), false},
		{"heading difference at tolerance", rep("a", 45, 21, 0), rep("b", lat30South, 21, 15), true},
		{"heading difference over tolerance", rep("a", 45, 21, 0), rep("b", lat30South, 21, 16), false},
		{"heading wraps around north", rep("a", 45, 21, 355), rep("b", lat30South, 21, 5), true},
		{"too far", rep("a", 45, 21, 0), rep("b", 44.998, 21, 0), false},
		{"same device", rep("a", 45, 21, 0), rep("a", lat30South, 21, 0), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Pairable(tc.a, tc.b))
		})
	}
}

func TestCompatibility_Stale(t *testing.T) {
	c := NewCompatibility(DefaultConfig())
	a := rep("a", 45, 21, 0)

	assert.False(t, c.Stale(a, rep("b", lat30South, 21, 10)))
	// Facing is not rechecked.
	assert.False(t, c.Stale(a, rep("b", 45.0005, 21, 0)))
	assert.True(t, c.Stale(a, rep("b", 45.002, 21, 0)))
	assert.True(t, c.Stale(a, rep("b", lat30South, 21, 30)))
}

func TestCompatibility_Relaxed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RelaxedMatching = true
	c := NewCompatibility(cfg)

	assert.True(t, c.Pairable(rep("a", 45, 21, 0), rep("b", 45.0005, 21, 200)))
	assert.False(t, c.Pairable(rep("a", 45, 21, 0), rep("b", 45.002, 21, 0)))
	assert.False(t, c.Stale(rep("a", 45, 21, 0), rep("b", 45.0005, 21, 200)))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PairingDistanceMeters = 0
	cfg.CellSizeDegrees = -1
	cfg.StaticPairs = [][2]string{{"a", "a"}}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "pairing distance")
	assert.ErrorContains(t, err, "cell size")
	assert.ErrorContains(t, err, "static pair")
}
