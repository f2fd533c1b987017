package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeBox(t *testing.T) {
	// 111.195 km is one degree of arc on the sphere.
	box := RangeBox(0, 0, 111195)
	assert.InDelta(t, -1, box.MinLatitude, 1e-3)
	assert.InDelta(t, 1, box.MaxLatitude, 1e-3)
	assert.InDelta(t, -1, box.MinLongitude, 1e-3)
	assert.InDelta(t, 1, box.MaxLongitude, 1e-3)
	assert.False(t, box.Wraps())
	assert.True(t, box.Contains(0.5, -0.5))
	assert.False(t, box.Contains(0.5, 1.5))
}

func TestRangeBoxWidensWithLatitude(t *testing.T) {
	box := RangeBox(60, 10, 111195)
	assert.InDelta(t, 59, box.MinLatitude, 1e-3)
	assert.InDelta(t, 61, box.MaxLatitude, 1e-3)
	assert.Greater(t, box.MaxLongitude-box.MinLongitude, 3.9)
}

func TestRangeBoxAntimeridian(t *testing.T) {
	box := RangeBox(0, 179.5, 111195)
	assert.True(t, box.Wraps())
	assert.InDelta(t, 178.5, box.MinLongitude, 1e-3)
	assert.InDelta(t, -179.5, box.MaxLongitude, 1e-3)
	assert.True(t, box.Contains(0, -179.8))
	assert.True(t, box.Contains(0, 179))
	assert.False(t, box.Contains(0, 0))
}

func TestRangeBoxNearPole(t *testing.T) {
	box := RangeBox(89.5, 0, 111195)
	assert.InDelta(t, 90, box.MaxLatitude, 1e-9)
	assert.InDelta(t, 88.5, box.MinLatitude, 1e-3)
	assert.InDelta(t, -180, box.MinLongitude, 1e-9)
	assert.InDelta(t, 180, box.MaxLongitude, 1e-9)
	assert.True(t, box.Contains(89.9, 120))
}
