package cachekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestValueDirectAssertion(t *testing.T) {
	e := NewEntry("k", "plain", 0)
	got, err := Value[string](e)
	assert.NoError(t, err)
	assert.Equal(t, "plain", got)
}

func TestValueFromMsgpackBytes(t *testing.T) {
	type point struct {
		X int `msgpack:"x"`
		Y int `msgpack:"y"`
	}
	data, err := msgpack.Marshal(point{X: 1, Y: 2})
	require.NoError(t, err)

	e := NewEntry("k", data, 0)
	got, err := Value[point](e)
	assert.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2}, got)
}

func TestValueFromJSONGeneric(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	// What a text store hands back after a JSON round-trip.
	e := NewEntry("k", map[string]any{"x": float64(3), "y": float64(4)}, 0)
	got, err := Value[point](e)
	assert.NoError(t, err)
	assert.Equal(t, point{X: 3, Y: 4}, got)
}

func TestValueMismatch(t *testing.T) {
	e := NewEntry("k", "not a number", 0)
	_, err := Value[int](e)
	assert.Error(t, err)
}
