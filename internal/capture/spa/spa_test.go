package spa

/*
#cgo pkg-config: libspa-0.2
#include <spa/buffer/buffer.h>
#include <spa/buffer/meta.h>
#include <spa/param/video/format.h>
#include <string.h>

static struct spa_buffer *make_empty_buffer(void) {
	struct spa_buffer *b = calloc(1, sizeof(struct spa_buffer));
	return b;
}

static struct spa_meta *make_single_meta(struct spa_buffer *b, uint32_t type, void *data, uint32_t size) {
	struct spa_meta *m = calloc(1, sizeof(struct spa_meta));
	m->type = type;
	m->data = data;
	m->size = size;
	b->n_metas = 1;
	b->metas = m;
	return m;
}
*/
import "C"

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDamage_NullBuffer(t *testing.T) {
	assert.Nil(t, ExtractDamage(nil))
}

func TestExtractDamage_NoMetas(t *testing.T) {
	b := C.make_empty_buffer()
	defer C.free(unsafe.Pointer(b))
	assert.Nil(t, ExtractDamage(unsafe.Pointer(b)))
}

func TestExtractDamage_WrongMetaType(t *testing.T) {
	b := C.make_empty_buffer()
	defer C.free(unsafe.Pointer(b))
	m := C.make_single_meta(b, C.SPA_META_Header, nil, 64)
	defer C.free(unsafe.Pointer(m))

	assert.Nil(t, ExtractDamage(unsafe.Pointer(b)))
}

func TestExtractDamage_WithRegions(t *testing.T) {
	regions := []C.struct_spa_meta_region{
		{region: C.struct_spa_region{
			position: C.struct_spa_point{x: 10, y: 20},
			size:     C.struct_spa_rectangle{width: 100, height: 50},
		}},
		{region: C.struct_spa_region{
			position: C.struct_spa_point{x: 200, y: 300},
			size:     C.struct_spa_rectangle{width: 64, height: 32},
		}},
		{region: C.struct_spa_region{
			position: C.struct_spa_point{x: 0, y: 0},
			size:     C.struct_spa_rectangle{width: 0, height: 0},
		}},
	}

	b := C.make_empty_buffer()
	defer C.free(unsafe.Pointer(b))
	m := C.make_single_meta(b, C.SPA_META_VideoDamage, unsafe.Pointer(&regions[0]), C.uint32_t(len(regions)*int(unsafe.Sizeof(regions[0]))))
	defer C.free(unsafe.Pointer(m))

	rects := ExtractDamage(unsafe.Pointer(b))
	require.Len(t, rects, 2)
	assert.Equal(t, int32(10), rects[0].X)
	assert.Equal(t, uint32(100), rects[0].Width)
	assert.Equal(t, int32(200), rects[1].X)
	assert.Equal(t, uint32(32), rects[1].Height)
}

func TestExtractCursor_NullBuffer(t *testing.T) {
	assert.Nil(t, ExtractCursor(nil))
}

func TestExtractCursor_Invisible(t *testing.T) {
	cursor := C.struct_spa_meta_cursor{
		id:            0,
		position:      C.struct_spa_point{x: 100, y: 200},
		bitmap_offset: 0,
	}

	b := C.make_empty_buffer()
	defer C.free(unsafe.Pointer(b))
	m := C.make_single_meta(b, C.SPA_META_Cursor, unsafe.Pointer(&cursor), C.uint32_t(unsafe.Sizeof(cursor)))
	defer C.free(unsafe.Pointer(m))

	info := ExtractCursor(unsafe.Pointer(b))
	require.NotNil(t, info)
	assert.False(t, info.Visible)
	assert.Equal(t, int32(100), info.X)
	assert.Equal(t, int32(200), info.Y)
	assert.Nil(t, info.Bitmap)
}

func TestExtractCursor_PositionOnly(t *testing.T) {
	cursor := C.struct_spa_meta_cursor{
		id:            1,
		position:      C.struct_spa_point{x: 50, y: 75},
		bitmap_offset: 0,
	}

	b := C.make_empty_buffer()
	defer C.free(unsafe.Pointer(b))
	m := C.make_single_meta(b, C.SPA_META_Cursor, unsafe.Pointer(&cursor), C.uint32_t(unsafe.Sizeof(cursor)))
	defer C.free(unsafe.Pointer(m))

	info := ExtractCursor(unsafe.Pointer(b))
	require.NotNil(t, info)
	assert.True(t, info.Visible)
	assert.Equal(t, int32(50), info.X)
	assert.Nil(t, info.Bitmap)
}
