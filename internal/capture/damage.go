package capture

// CoalesceDamage unions overlapping or adjacent damage rectangles into a
// minimal covering set before a frame is forwarded downstream. spec.md's
// capture section treats damage as pass-through metadata; this enrichment
// keeps the per-frame rect count bounded so a later encode stage isn't
// handed hundreds of tiny, overlapping regions from a noisy source.
//
// rects is not mutated. A nil input returns nil ("full frame damage") and
// an empty, non-nil input returns an empty, non-nil slice ("no change"),
// preserving CapturedFrame.Damage's convention.
func CoalesceDamage(rects []DamageRect) []DamageRect {
	if rects == nil {
		return nil
	}
	if len(rects) == 0 {
		return []DamageRect{}
	}

	merged := append([]DamageRect(nil), rects...)

	for {
		combined := false
		for i := 0; i < len(merged); i++ {
			for j := i + 1; j < len(merged); j++ {
				if !overlapsOrAdjacent(merged[i], merged[j]) {
					continue
				}
				merged[i] = union(merged[i], merged[j])
				merged = append(merged[:j], merged[j+1:]...)
				combined = true
				break
			}
			if combined {
				break
			}
		}
		if !combined {
			break
		}
	}

	return merged
}

func overlapsOrAdjacent(a, b DamageRect) bool {
	aRight := a.X + int32(a.Width)
	aBottom := a.Y + int32(a.Height)
	bRight := b.X + int32(b.Width)
	bBottom := b.Y + int32(b.Height)

	if a.X > bRight || b.X > aRight {
		return false
	}
	if a.Y > bBottom || b.Y > aBottom {
		return false
	}
	return true
}

func union(a, b DamageRect) DamageRect {
	left := minInt32(a.X, b.X)
	top := minInt32(a.Y, b.Y)
	right := maxInt32(a.X+int32(a.Width), b.X+int32(b.Width))
	bottom := maxInt32(a.Y+int32(a.Height), b.Y+int32(b.Height))
	return DamageRect{
		X:      left,
		Y:      top,
		Width:  uint32(right - left),
		Height: uint32(bottom - top),
	}
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
