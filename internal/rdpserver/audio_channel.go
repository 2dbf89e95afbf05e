package rdpserver

import (
	"context"
	"log/slog"

	"github.com/deskrelay/rdpd/internal/capture"
)

// SoundFormat is the single PCM format this bridge advertises to the
// RDPSND channel, per spec.md §1's "audio capture/forwarding beyond its
// event contract" Non-goal: only one negotiated format is supported, not
// RDPSND's full format-list negotiation.
type SoundFormat struct {
	Channels       uint16
	SampleRateHz   uint32
	BitsPerSample  uint16
	BlockAlign     uint16
	AvgBytesPerSec uint32
}

// WaveData is one chunk of PCM audio ready for the RDPSND wave PDU, with
// a millisecond timestamp derived from the capture sequence number.
type WaveData struct {
	Data        []byte
	TimestampMs uint32
}

// SoundHandler is the per-connection RDPSND handler contract: it exposes
// the format it captures at and a channel of wave data the RDP protocol
// engine pulls from.
type SoundHandler interface {
	Format() SoundFormat
	Waves() <-chan WaveData
	Close()
}

// pipewireSoundHandler forwards AudioChunks from a running capture.AudioStream
// to the RDPSND channel. Grounded on
// original_source/crates/cosmic-rdp-server/src/sound.rs's
// PipeWireAudioHandler::start_pump, translated from a spawned async pump
// task to a goroutine reading the audio stream's channel directly.
type pipewireSoundHandler struct {
	format SoundFormat
	waves  chan WaveData
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewPipeWireSoundHandler wires chunks from an already-running AudioStream
// into RDPSND wave PDUs.
func NewPipeWireSoundHandler(ctx context.Context, stream *capture.AudioStream, channels uint16, sampleRate uint32, logger *slog.Logger) SoundHandler {
	blockAlign := channels * 2
	format := SoundFormat{
		Channels:       channels,
		SampleRateHz:   sampleRate,
		BitsPerSample:  16,
		BlockAlign:     blockAlign,
		AvgBytesPerSec: uint32(blockAlign) * sampleRate,
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	h := &pipewireSoundHandler{
		format: format,
		waves:  make(chan WaveData, 16),
		cancel: cancel,
		logger: logger,
	}

	go h.pump(pumpCtx, stream.Chunks())
	return h
}

func (h *pipewireSoundHandler) pump(ctx context.Context, chunks <-chan capture.AudioChunk) {
	defer close(h.waves)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				h.logger.Debug("audio capture channel closed")
				return
			}
			ts := uint32(chunk.Sequence * 1000 / uint64(chunk.SampleRateHz))
			wave := WaveData{Data: chunk.Data, TimestampMs: ts}
			select {
			case h.waves <- wave:
			default:
				h.logger.Warn("RDPSND wave channel full, dropping chunk")
			}
		}
	}
}

func (h *pipewireSoundHandler) Format() SoundFormat    { return h.format }
func (h *pipewireSoundHandler) Waves() <-chan WaveData { return h.waves }
func (h *pipewireSoundHandler) Close()                 { h.cancel() }
