package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockState_TogglePress(t *testing.T) {
	var s LockState
	s.TogglePress(LockCaps)
	assert.True(t, s.Caps)
	s.TogglePress(LockCaps)
	assert.False(t, s.Caps)

	s.TogglePress(LockNum)
	assert.True(t, s.Num)
	assert.False(t, s.Caps)
	assert.False(t, s.Scroll)
}

func TestLockState_Diff_NoneMismatched(t *testing.T) {
	s := LockState{Caps: true, Num: false, Scroll: true}
	diff := s.Diff(LockState{Caps: true, Num: false, Scroll: true})
	assert.Empty(t, diff)
}

func TestLockState_Diff_OrderedCapsNumScroll(t *testing.T) {
	s := LockState{}
	reported := LockState{Caps: true, Num: true, Scroll: true}
	diff := s.Diff(reported)
	require.Equal(t, []LockKey{LockCaps, LockNum, LockScroll}, diff)
}

func TestLockState_Diff_PartialMismatch(t *testing.T) {
	s := LockState{Caps: true, Num: false, Scroll: false}
	reported := LockState{Caps: true, Num: true, Scroll: false}
	diff := s.Diff(reported)
	assert.Equal(t, []LockKey{LockNum}, diff)
}

func TestLockState_Sync_UpdatesOnlyNamedKeys(t *testing.T) {
	s := LockState{Caps: false, Num: false, Scroll: false}
	reported := LockState{Caps: true, Num: true, Scroll: true}
	s.Sync(reported, []LockKey{LockCaps})

	assert.True(t, s.Caps)
	assert.False(t, s.Num)
	assert.False(t, s.Scroll)
}

func TestLockState_DiffThenSync_Idempotent(t *testing.T) {
	s := LockState{Caps: false, Num: true, Scroll: false}
	reported := LockState{Caps: true, Num: false, Scroll: true}

	diff := s.Diff(reported)
	s.Sync(reported, diff)

	assert.Equal(t, reported, s)
	assert.Empty(t, s.Diff(reported))
}
