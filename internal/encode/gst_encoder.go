package encode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
)

// DetectBackend probes for a hardware encoder in priority order
// VAAPI -> NVENC -> software x264, returning the first one whose
// GStreamer element factory is installed. Always succeeds: x264enc is
// assumed present wherever GStreamer's "ugly"/"bad" plugin sets are.
func DetectBackend() Backend {
	initGStreamer()
	if gst.Find("vaapih264enc") != nil {
		return BackendVAAPI
	}
	if gst.Find("nvh264enc") != nil {
		return BackendNVENC
	}
	return BackendSoftware
}

var gstInitOnce sync.Once

func initGStreamer() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// GstEncoder drives an appsrc ! videoconvert ! capsfilter ! encoder !
// h264parse ! appsink pipeline, grounded on
// original_source/crates/rdp-encode/src/gstreamer_enc.rs's GstEncoder/
// build_pipeline/configure_encoder, with the pipeline built from a
// string description and elements fetched by name the same way
// pipewire.go and audio.go do, and with spec.md §4.5's colorimetry
// contract substituted in: BT.601 limited-range with SMPTE-170M
// primaries, not the BT.709 full-range the original used — the RDP
// client decoder's fixed-point coefficients require BT.601.
type GstEncoder struct {
	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsrc   *app.Source
	appsink  *app.Sink
	backend  Backend
	running  bool
	logger   *slog.Logger
}

// NewGstEncoder builds (but does not start) an encoding pipeline for cfg.
func NewGstEncoder(cfg Config, logger *slog.Logger) (*GstEncoder, error) {
	initGStreamer()

	backend := cfg.PreferredBackend
	if backend == BackendAuto {
		backend = DetectBackend()
	}
	logger.Info("selected H.264 encoder", "backend", backend.String())

	elementName, err := backend.elementName()
	if err != nil {
		return nil, err
	}

	pipelineStr := fmt.Sprintf(
		"appsrc name=source format=time is-live=true do-timestamp=true "+
			"caps=video/x-raw,format=BGRx,width=%d,height=%d,framerate=%d/1 "+
			"! videoconvert name=convert "+
			"! video/x-raw,format=I420,colorimetry=(string)bt601 "+
			"! %s name=encoder "+
			"! h264parse name=parser "+
			"! appsink name=sink sync=false "+
			"caps=video/x-h264,stream-format=byte-stream,alignment=au",
		cfg.Width, cfg.Height, cfg.FramerateHz, elementName,
	)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("encode: parse encoder pipeline: %w", err)
	}

	srcElem, err := pipeline.GetElementByName("source")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encode: get source element: %w", err)
	}
	appsrc := app.SrcFromElement(srcElem)

	convertElem, err := pipeline.GetElementByName("convert")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encode: get convert element: %w", err)
	}
	// output-only forces the YUV matrix to come exclusively from the
	// downstream capsfilter, ignoring any inferred input colorimetry.
	convertElem.SetProperty("matrix-mode", "output-only")

	encoderElem, err := pipeline.GetElementByName("encoder")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encode: get encoder element: %w", err)
	}
	configureEncoder(encoderElem, backend, cfg)

	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encode: get sink element: %w", err)
	}
	appsink := app.SinkFromElement(sinkElem)

	return &GstEncoder{
		pipeline: pipeline,
		appsrc:   appsrc,
		appsink:  appsink,
		backend:  backend,
		logger:   logger,
	}, nil
}

func (e *GstEncoder) Backend() Backend { return e.backend }

// GstEncoderFactory adapts NewGstEncoder to the Factory signature Session
// expects.
func GstEncoderFactory(cfg Config, logger *slog.Logger) (Encoder, error) {
	return NewGstEncoder(cfg, logger)
}

// EncodeFrame pushes bgraData into the pipeline and attempts a
// non-blocking pull of an encoded frame. Starts the pipeline lazily on
// the first call.
func (e *GstEncoder) EncodeFrame(bgraData []byte) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
			return nil, fmt.Errorf("encode: start pipeline: %w", err)
		}
		e.running = true
	}

	buffer := gst.NewBufferWithSize(int64(len(bgraData)))
	if buffer == nil {
		return nil, fmt.Errorf("encode: allocate input buffer")
	}
	writable := buffer.Map(gst.MapWrite)
	if writable == nil {
		return nil, fmt.Errorf("encode: map input buffer")
	}
	copy(writable.Bytes(), bgraData)
	buffer.Unmap()

	if err := e.appsrc.PushBuffer(buffer); err != nil {
		return nil, fmt.Errorf("encode: push buffer: %w", err)
	}

	sample := e.appsink.TryPullSample(gst.ClockTime(1_000_000)) // 1ms
	if sample == nil {
		return nil, nil
	}
	out := sample.GetBuffer()
	if out == nil {
		return nil, nil
	}

	mapInfo := out.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("encode: map encoded buffer")
	}
	defer out.Unmap()

	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())

	return &EncodedFrame{
		Data:       data,
		PTSMicros:  int64(out.PresentationTimestamp()) / 1000,
		DurationMs: int64(out.Duration()) / 1_000_000,
		IsKeyframe: !out.IsDeltaUnit(),
	}, nil
}

// ForceKeyframe requests an IDR on the next encoded output via an
// upstream force-key-unit event sent to the appsrc pad.
func (e *GstEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appsrc.SendEvent(gst.NewForceKeyUnitEvent(true))
	e.logger.Debug("forced keyframe requested")
}

// SetBitrate live-updates the bitrate property of the underlying encoder
// element, in bits per second.
func (e *GstEncoder) SetBitrate(bps uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	elem, err := e.pipeline.GetElementByName("encoder")
	if err != nil {
		return
	}
	elem.SetProperty("bitrate", bps/1000)
	e.logger.Debug("encoder bitrate updated", "bps", bps)
}

func (e *GstEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	return e.pipeline.SetState(gst.StateNull)
}

func configureEncoder(encoder *gst.Element, backend Backend, cfg Config) {
	bitrateKbps := cfg.BitrateBPS / 1000

	switch backend {
	case BackendVAAPI:
		encoder.SetProperty("rate-control", uint32(2)) // CBR
		encoder.SetProperty("bitrate", bitrateKbps)
		encoder.SetProperty("keyframe-period", cfg.KeyframeInterval)
		if cfg.LowLatency {
			encoder.SetProperty("tune", uint32(3)) // low-latency
		}
	case BackendNVENC:
		encoder.SetProperty("bitrate", bitrateKbps)
		encoder.SetProperty("gop-size", int32(cfg.KeyframeInterval))
		if cfg.LowLatency {
			encoder.SetProperty("preset", uint32(5)) // low-latency-hq
			encoder.SetProperty("zerolatency", true)
		}
	default: // BackendSoftware
		encoder.SetProperty("bitrate", bitrateKbps)
		encoder.SetProperty("key-int-max", cfg.KeyframeInterval)
		encoder.SetProperty("option-string", "colorprim=bt601:transfer=bt601:colormatrix=bt601")
		if cfg.LowLatency {
			encoder.SetProperty("tune", "zerolatency")
			encoder.SetProperty("speed-preset", "ultrafast")
		}
	}
}
