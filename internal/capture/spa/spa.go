// Package spa extracts PipeWire SPA (Simple Plugin API) buffer metadata —
// damage rectangles and cursor position/bitmap — that go-gst's safe
// appsink wrapper does not expose. PipeWire attaches this metadata
// directly to the underlying spa_buffer, so reading it requires the same
// raw-pointer access the original implementation used from its PipeWire
// bindings, grounded on
// original_source/crates/rdp-capture/src/spa_meta.rs.
package spa

/*
#cgo pkg-config: libspa-0.2
#include <spa/buffer/buffer.h>
#include <spa/buffer/meta.h>
#include <spa/param/video/format.h>
*/
import "C"

import (
	"unsafe"

	"github.com/deskrelay/rdpd/internal/capture"
)

// ExtractDamage reads SPA_META_VideoDamage off buf. Returns nil if no
// damage metadata is attached (callers should treat that as full-frame
// damage), and a non-nil empty slice if the metadata is present but
// reports no changed regions.
//
// buf must point to a valid spa_buffer for the duration of this call;
// this holds when invoked from inside the buffer's dequeue/process
// callback, before it is requeued.
func ExtractDamage(buf unsafe.Pointer) []capture.DamageRect {
	if buf == nil {
		return nil
	}
	b := (*C.struct_spa_buffer)(buf)
	if b.n_metas == 0 || b.metas == nil {
		return nil
	}

	metas := unsafe.Slice(b.metas, int(b.n_metas))
	for _, m := range metas {
		if m._type != C.SPA_META_VideoDamage {
			continue
		}
		if m.data == nil || m.size == 0 {
			return nil
		}

		regionSize := C.size_t(unsafe.Sizeof(C.struct_spa_meta_region{}))
		maxRegions := int(m.size) / int(regionSize)
		if maxRegions == 0 {
			return nil
		}

		regions := unsafe.Slice((*C.struct_spa_meta_region)(m.data), maxRegions)
		rects := make([]capture.DamageRect, 0, maxRegions)
		for _, r := range regions {
			w := uint32(r.region.size.width)
			h := uint32(r.region.size.height)
			if w == 0 && h == 0 {
				break
			}
			rects = append(rects, capture.DamageRect{
				X:      int32(r.region.position.x),
				Y:      int32(r.region.position.y),
				Width:  w,
				Height: h,
			})
		}
		return rects
	}
	return nil
}

// ExtractCursor reads SPA_META_Cursor off buf. Returns nil if no cursor
// metadata is attached.
func ExtractCursor(buf unsafe.Pointer) *capture.CursorInfo {
	if buf == nil {
		return nil
	}
	b := (*C.struct_spa_buffer)(buf)
	if b.n_metas == 0 || b.metas == nil {
		return nil
	}

	metas := unsafe.Slice(b.metas, int(b.n_metas))
	for _, m := range metas {
		if m._type != C.SPA_META_Cursor {
			continue
		}
		if m.data == nil || int(m.size) < int(unsafe.Sizeof(C.struct_spa_meta_cursor{})) {
			return nil
		}

		cursor := (*C.struct_spa_meta_cursor)(m.data)

		if cursor.id == 0 {
			return &capture.CursorInfo{
				X:       int32(cursor.position.x),
				Y:       int32(cursor.position.y),
				Visible: false,
			}
		}

		return &capture.CursorInfo{
			X:       int32(cursor.position.x),
			Y:       int32(cursor.position.y),
			Visible: true,
			Bitmap:  extractCursorBitmap(m.data, cursor),
		}
	}
	return nil
}

// extractCursorBitmap reads the spa_meta_bitmap trailing metaData at
// cursor.bitmap_offset, converting ARGB8888 to RGBA row by row.
func extractCursorBitmap(metaData unsafe.Pointer, cursor *C.struct_spa_meta_cursor) *capture.CursorBitmap {
	if cursor.bitmap_offset == 0 {
		return nil
	}
	bitmapSize := unsafe.Sizeof(C.struct_spa_meta_bitmap{})
	if uintptr(cursor.bitmap_offset) < bitmapSize {
		return nil
	}

	base := uintptr(metaData)
	bitmap := (*C.struct_spa_meta_bitmap)(unsafe.Pointer(base + uintptr(cursor.bitmap_offset)))

	if bitmap.offset == 0 {
		return nil
	}

	width := uint32(bitmap.size.width)
	height := uint32(bitmap.size.height)
	if width == 0 || height == 0 {
		return nil
	}
	if bitmap._format != C.SPA_VIDEO_FORMAT_ARGB {
		return nil
	}

	stride := int(bitmap.stride)
	if stride < 0 {
		stride = -stride
	}
	expected := stride * int(height)

	pixelBase := uintptr(unsafe.Pointer(bitmap)) + uintptr(bitmap.offset)
	pixels := unsafe.Slice((*byte)(unsafe.Pointer(pixelBase)), expected)

	rgba := make([]byte, 0, int(width)*int(height)*4)
	for row := 0; row < int(height); row++ {
		rowStart := row * stride
		for col := 0; col < int(width); col++ {
			px := rowStart + col*4
			if px+3 >= len(pixels) {
				continue
			}
			// ARGB on little-endian is laid out [B, G, R, A] in memory.
			rgba = append(rgba, pixels[px+2], pixels[px+1], pixels[px], pixels[px+3])
		}
	}

	hotX := int32(cursor.hotspot.x)
	if hotX < 0 {
		hotX = 0
	}
	hotY := int32(cursor.hotspot.y)
	if hotY < 0 {
		hotY = 0
	}

	return &capture.CursorBitmap{
		Width:  width,
		Height: height,
		HotX:   uint32(hotX),
		HotY:   uint32(hotY),
		Data:   rgba,
	}
}
