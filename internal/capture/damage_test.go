package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoalesceDamage_NilStaysNilEmptyStaysEmpty(t *testing.T) {
	assert.Nil(t, CoalesceDamage(nil))
	empty := CoalesceDamage([]DamageRect{})
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCoalesceDamage_NonOverlappingRectsUntouched(t *testing.T) {
	rects := []DamageRect{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 100, Y: 100, Width: 10, Height: 10},
	}
	got := CoalesceDamage(rects)
	assert.Len(t, got, 2)
}

func TestCoalesceDamage_OverlappingRectsMerge(t *testing.T) {
	rects := []DamageRect{
		{X: 0, Y: 0, Width: 20, Height: 20},
		{X: 10, Y: 10, Width: 20, Height: 20},
	}
	got := CoalesceDamage(rects)
	assert.Equal(t, []DamageRect{{X: 0, Y: 0, Width: 30, Height: 30}}, got)
}

func TestCoalesceDamage_AdjacentRectsMerge(t *testing.T) {
	rects := []DamageRect{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 10, Y: 0, Width: 10, Height: 10},
	}
	got := CoalesceDamage(rects)
	require := assert.New(t)
	require.Len(got, 1)
	require.Equal(DamageRect{X: 0, Y: 0, Width: 20, Height: 10}, got[0])
}

func TestCoalesceDamage_ChainOfOverlapsMergesTransitively(t *testing.T) {
	rects := []DamageRect{
		{X: 0, Y: 0, Width: 15, Height: 10},
		{X: 10, Y: 0, Width: 15, Height: 10},
		{X: 20, Y: 0, Width: 15, Height: 10},
	}
	got := CoalesceDamage(rects)
	assert.Equal(t, []DamageRect{{X: 0, Y: 0, Width: 35, Height: 10}}, got)
}

func TestCoalesceDamage_InputNotMutated(t *testing.T) {
	rects := []DamageRect{
		{X: 0, Y: 0, Width: 20, Height: 20},
		{X: 10, Y: 10, Width: 20, Height: 20},
	}
	_ = CoalesceDamage(rects)
	assert.Equal(t, int32(0), rects[0].X)
	assert.Equal(t, uint32(20), rects[0].Width)
}
