package rdpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/rdpd/internal/capture"
)

func TestPipewireSoundHandler_FormatReturnsStoredFormat(t *testing.T) {
	h := &pipewireSoundHandler{
		format: SoundFormat{Channels: 2, SampleRateHz: 48000, BitsPerSample: 16, BlockAlign: 4, AvgBytesPerSec: 192000},
	}
	f := h.Format()
	assert.Equal(t, uint16(2), f.Channels)
	assert.Equal(t, uint32(48000), f.SampleRateHz)
	assert.Equal(t, uint32(192000), f.AvgBytesPerSec)
}

func TestPipewireSoundHandler_PumpForwardsChunksWithTimestamp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &pipewireSoundHandler{
		waves:  make(chan WaveData, 4),
		cancel: cancel,
		logger: discardLogger(),
	}
	chunks := make(chan capture.AudioChunk, 1)

	go h.pump(ctx, chunks)

	chunks <- capture.AudioChunk{Data: []byte{1, 2, 3, 4}, SampleRateHz: 48000, Sequence: 48000}
	select {
	case wave := <-h.waves:
		assert.Equal(t, uint32(1000), wave.TimestampMs, "one second of samples at 48kHz yields a 1000ms timestamp")
		assert.Equal(t, []byte{1, 2, 3, 4}, wave.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded wave")
	}
}

func TestPipewireSoundHandler_Close_StopsPump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &pipewireSoundHandler{
		waves:  make(chan WaveData, 1),
		cancel: cancel,
		logger: discardLogger(),
	}
	chunks := make(chan capture.AudioChunk)

	done := make(chan struct{})
	go func() {
		h.pump(ctx, chunks)
		close(done)
	}()

	h.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit after Close")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
