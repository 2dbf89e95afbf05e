package capture

/*
#cgo pkg-config: gstreamer-1.0
#include <gst/gst.h>

// GstPipeWireMeta is attached by gst-plugins-good's pipewiresrc to every
// buffer it produces, carrying the originating struct pw_buffer (whose
// "buffer" field is the raw struct spa_buffer PipeWire filled in). Declared
// locally rather than pulled from gstpipewiremeta.h/pipewire.h since only
// the leading layout is needed to read that one pointer back out.
typedef struct {
	GstMeta meta;
	void *pw_buffer;
} GstPipeWireMeta;

static void *gst_buffer_pipewire_spa_buffer(GstBuffer *buffer) {
	GType api = g_type_from_name("GstPipeWireMetaAPI");
	if (api == 0) {
		return NULL;
	}
	GstPipeWireMeta *meta = (GstPipeWireMeta *) gst_buffer_get_meta(buffer, api);
	if (meta == NULL || meta->pw_buffer == NULL) {
		return NULL;
	}
	// struct pw_buffer's first member is "struct spa_buffer *buffer".
	return *(void **) meta->pw_buffer;
}
*/
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/deskrelay/rdpd/internal/capture/spa"
)

// gstInitOnce mirrors the teacher's one-time gst.Init guard.
var gstInitOnce sync.Once

func initGStreamer() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// pixelFormatPriority lists the raw video formats in preference order.
// NewPipeWireStream does not consult it: its pipeline always converts to
// BGRA with videoconvert, so no priority-ordered format negotiation
// takes place.
var pixelFormatPriority = []string{"BGRx", "BGRA", "RGBx", "RGBA"}

// PipeWireStream wraps a go-gst pipewiresrc pipeline as a single-producer
// CaptureEvent source, grounded on
// helixml-helix/api/pkg/desktop/gst_pipeline.go's GstPipeline (pipeline +
// appsink + onNewSample) but producing CaptureEvent instead of raw H.264,
// with the SPA damage/cursor metadata extraction and R/B swap decision
// spec.md §4.4 describes.
type PipeWireStream struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	eventCh  chan CaptureEvent
	running  atomic.Bool
	stopOnce sync.Once
	logger   *slog.Logger

	negotiatedFormat atomic.Value // string
	swapColors       atomic.Bool
	sequence         atomic.Uint64
}

// NewPipeWireStream builds a pipewiresrc pipeline against pipeWireFD and
// nodeID, buffering up to channelCapacity undelivered events before
// dropping (spec.md §4.4's "bounded single-producer channel").
func NewPipeWireStream(pipeWireFD int, nodeID uint32, channelCapacity int, swapColors bool, logger *slog.Logger) (*PipeWireStream, error) {
	initGStreamer()

	pipelineStr := fmt.Sprintf(
		"pipewiresrc fd=%d path=%d ! videoconvert ! video/x-raw,format=BGRA ! appsink name=capturesink",
		pipeWireFD, nodeID,
	)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("capture: parse pipewiresrc pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("capturesink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: get capturesink element: %w", err)
	}
	appsink := app.SinkFromElement(elem)
	if appsink == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: capturesink element is not an appsink")
	}

	s := &PipeWireStream{
		pipeline: pipeline,
		appsink:  appsink,
		eventCh:  make(chan CaptureEvent, channelCapacity),
		logger:   logger,
	}
	s.swapColors.Store(swapColors)
	s.negotiatedFormat.Store("")
	return s, nil
}

// Start begins capture. Events arrive on Events() until ctx is cancelled
// or the pipeline errors/EOSes.
func (s *PipeWireStream) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.appsink.SetProperty("emit-signals", true)
	s.appsink.SetProperty("max-buffers", uint(2))
	s.appsink.SetProperty("drop", true)
	s.appsink.SetProperty("sync", false)
	s.appsink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onNewSample})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: set pipeline playing: %w", err)
	}
	s.running.Store(true)

	go s.watchBus(ctx)
	return nil
}

// Events returns the stream's capture event channel. Closed once the
// pipeline stops.
func (s *PipeWireStream) Events() <-chan CaptureEvent { return s.eventCh }

// Stop halts the pipeline and closes Events().
func (s *PipeWireStream) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.pipeline != nil {
			s.pipeline.SetState(gst.StateNull)
		}
		close(s.eventCh)
	})
}

func (s *PipeWireStream) onNewSample(sink *app.Sink) gst.FlowReturn {
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

	caps := sample.GetCaps()
	if caps != nil {
		if fmtName, ok := caps.GetStructureAt(0).GetValue("format").(string); ok {
			s.negotiatedFormat.Store(fmtName)
		}
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())

	width, height, stride := frameDimensions(caps, len(data))
	if s.needsColorSwap() {
		swapRedBlue(data)
	}

	seq := s.sequence.Add(1)
	frame := CapturedFrame{
		Data:     data,
		Width:    width,
		Height:   height,
		Format:   PixelFormatBGRA,
		Stride:   stride,
		Sequence: seq,
	}
	frame.EnsureAlphaOpaque()

	rawBuf := pipeWireMetaBuffer(buffer)
	frame.Damage = CoalesceDamage(spa.ExtractDamage(rawBuf))
	cursor := spa.ExtractCursor(rawBuf)

	var ev CaptureEvent
	if cursor != nil {
		ev = CaptureEvent{Kind: EventFrameAndCursor, Frame: frame, Cursor: *cursor}
	} else {
		ev = CaptureEvent{Kind: EventFrame, Frame: frame}
	}

	select {
	case s.eventCh <- ev:
	default:
		s.logger.Debug("pipewire capture channel full, dropping frame", "sequence", seq)
	}

	return gst.FlowOK
}

// needsColorSwap XORs the negotiated format's natural swap requirement
// (RGBx/RGBA need swapping to reach our internal BGRA layout; BGRx/BGRA
// do not) with the debug override, per spec.md §4.4.
func (s *PipeWireStream) needsColorSwap() bool {
	fmtName, _ := s.negotiatedFormat.Load().(string)
	natural := fmtName == "RGBx" || fmtName == "RGBA"
	return natural != s.swapColors.Load()
}

func swapRedBlue(data []byte) {
	for i := 0; i+2 < len(data); i += 4 {
		data[i], data[i+2] = data[i+2], data[i]
	}
}

func frameDimensions(caps *gst.Caps, dataLen int) (width, height, stride uint32) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, 0
	}
	s := caps.GetStructureAt(0)
	w, _ := s.GetValue("width").(int)
	h, _ := s.GetValue("height").(int)
	if w <= 0 || h <= 0 {
		return 0, 0, 0
	}
	return uint32(w), uint32(h), uint32(w * 4)
}

// pipeWireMetaBuffer returns the raw spa_buffer pointer pipewiresrc
// attaches to each GstBuffer via GstPipeWireMeta, for spa.ExtractDamage/
// ExtractCursor. Returns nil (no metadata) if the pipeline did not
// negotiate PipeWire's metadata passthrough.
func pipeWireMetaBuffer(buffer *gst.Buffer) unsafe.Pointer {
	if buffer == nil {
		return nil
	}
	cBuffer := (*C.GstBuffer)(unsafe.Pointer(buffer.Instance()))
	return C.gst_buffer_pipewire_spa_buffer(cBuffer)
}

// WaitElementsAvailable reports whether every named GStreamer element is
// installed, used at startup to fail fast with a clear error instead of a
// pipeline parse failure deep in NewPipeWireStream.
func WaitElementsAvailable(elements ...string) error {
	initGStreamer()
	for _, e := range elements {
		if gst.Find(e) == nil {
			return fmt.Errorf("capture: required GStreamer element %q not installed", e)
		}
	}
	return nil
}

var _ = time.Millisecond // retained for watchBus's poll timeout below

func (s *PipeWireStream) watchBus(ctx context.Context) {
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
				s.logger.Warn("pipewire pipeline error", "err", gerr.Error())
			}
			s.Stop()
			return
		case gst.MessageWarning:
			if gwarn := msg.ParseWarning(); gwarn != nil {
				s.logger.Debug("pipewire pipeline warning", "warning", gwarn.Error())
			}
		}
	}
}
