package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
)

// AudioStream captures desktop audio via PipeWire for RDPSND forwarding,
// grounded on
// original_source/crates/rdp-capture/src/audio_stream.rs's PwAudioStream,
// adapted from a dedicated pipewire-rs main-loop thread to a go-gst
// pipewiresrc pipeline in the idiom pipewire.go already establishes for
// video.
type AudioStream struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	chunkCh  chan AudioChunk
	running  atomic.Bool
	stopOnce sync.Once
	logger   *slog.Logger

	channels   uint16
	sampleRate uint32
	sequence   atomic.Uint64
}

// NewAudioStream builds a pipewiresrc audio-capture pipeline targeting the
// default sink's monitor source, delivering signed 16-bit PCM at the
// requested channel count and sample rate.
func NewAudioStream(channels uint16, sampleRateHz uint32, channelCapacity int, logger *slog.Logger) (*AudioStream, error) {
	initGStreamer()

	pipelineStr := fmt.Sprintf(
		"pipewiresrc ! audioconvert ! audio/x-raw,format=S16LE,channels=%d,rate=%d,layout=interleaved ! appsink name=audiosink",
		channels, sampleRateHz,
	)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("capture: parse pipewiresrc audio pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("audiosink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: get audiosink element: %w", err)
	}
	appsink := app.SinkFromElement(elem)
	if appsink == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: audiosink element is not an appsink")
	}

	return &AudioStream{
		pipeline:   pipeline,
		appsink:    appsink,
		chunkCh:    make(chan AudioChunk, channelCapacity),
		logger:     logger,
		channels:   channels,
		sampleRate: sampleRateHz,
	}, nil
}

// Start begins audio capture. Chunks arrive on Chunks() until ctx is
// cancelled or the pipeline errors/EOSes.
func (s *AudioStream) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.appsink.SetProperty("emit-signals", true)
	s.appsink.SetProperty("max-buffers", uint(8))
	s.appsink.SetProperty("drop", true)
	s.appsink.SetProperty("sync", false)
	s.appsink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onNewSample})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: set audio pipeline playing: %w", err)
	}
	s.running.Store(true)

	go s.watchBus(ctx)
	return nil
}

// Chunks returns the stream's audio chunk channel. Closed once the
// pipeline stops.
func (s *AudioStream) Chunks() <-chan AudioChunk { return s.chunkCh }

// Stop halts the pipeline and closes Chunks().
func (s *AudioStream) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.pipeline != nil {
			s.pipeline.SetState(gst.StateNull)
		}
		close(s.chunkCh)
	})
}

func (s *AudioStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	if !s.running.Load() {
		return gst.FlowEOS
	}

	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	if len(mapInfo.Bytes()) == 0 {
		return gst.FlowOK
	}
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())

	sequence := s.sequence.Add(1) - 1
	chunk := AudioChunk{
		Data:          data,
		Channels:      s.channels,
		SampleRateHz:  s.sampleRate,
		BitsPerSample: 16,
		Sequence:      sequence,
	}

	select {
	case s.chunkCh <- chunk:
	default:
		s.logger.Debug("audio capture channel full, dropping chunk", "sequence", sequence)
	}

	return gst.FlowOK
}

func (s *AudioStream) watchBus(ctx context.Context) {
	bus := s.pipeline.GetPipelineBus()
	if bus == nil {
		return
	}
	for s.running.Load() {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		default:
		}

		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.Stop()
			return
		case gst.MessageError:
			if gerr := msg.ParseError(); gerr != nil {
				s.logger.Warn("pipewire audio pipeline error", "err", gerr.Error())
			}
			s.Stop()
			return
		}
	}
}
