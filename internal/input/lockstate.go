package input

// LockKey identifies one of the three lock-key toggles RDP and EIS both
// track independently of key press/release state.
type LockKey int

const (
	LockCaps LockKey = iota
	LockNum
	LockScroll
)

// LockState shadows the compositor's caps/num/scroll lock state so a
// client's Synchronize event can be reconciled against it, per
// spec.md §4.8: "maintain a shadow LockState{caps, num, scroll}; on a
// Press of a lock key, toggle the shadow bit; on a Synchronize event
// from the client, compute the diff ... and inject press+release
// (separate frames) for each mismatched lock."
type LockState struct {
	Caps, Num, Scroll bool
}

// TogglePress flips the shadow bit for key if it is one of the three
// tracked locks; any other value leaves the shadow unchanged.
func (s *LockState) TogglePress(key LockKey) {
	switch key {
	case LockCaps:
		s.Caps = !s.Caps
	case LockNum:
		s.Num = !s.Num
	case LockScroll:
		s.Scroll = !s.Scroll
	}
}

// Diff returns the locks whose shadow state disagrees with a
// client-reported state, in a fixed order (caps, num, scroll) so
// injected press/release frames have deterministic ordering.
func (s LockState) Diff(reported LockState) []LockKey {
	var mismatched []LockKey
	if s.Caps != reported.Caps {
		mismatched = append(mismatched, LockCaps)
	}
	if s.Num != reported.Num {
		mismatched = append(mismatched, LockNum)
	}
	if s.Scroll != reported.Scroll {
		mismatched = append(mismatched, LockScroll)
	}
	return mismatched
}

// Sync updates the shadow to match reported for every lock named in
// keys, used after injecting the corrective press+release pairs Diff
// identified.
func (s *LockState) Sync(reported LockState, keys []LockKey) {
	for _, k := range keys {
		switch k {
		case LockCaps:
			s.Caps = reported.Caps
		case LockNum:
			s.Num = reported.Num
		case LockScroll:
			s.Scroll = reported.Scroll
		}
	}
}
