package rdpserver

import (
	"log/slog"
	"unicode/utf16"

	"github.com/atotto/clipboard"
)

// ClipboardFormat identifies one of the two plain-text CLIPRDR formats
// this bridge supports, per spec.md §1's explicit "clipboard format
// conversion" Non-goal: only CF_UNICODETEXT/CF_TEXT passthrough is in
// scope, not the broader multi-format negotiation CLIPRDR allows.
type ClipboardFormat uint32

const (
	FormatUnicodeText ClipboardFormat = 13 // CF_UNICODETEXT
	FormatText        ClipboardFormat = 1  // CF_TEXT
)

// ClipboardEvent is emitted by a Backend toward the RDP protocol engine's
// CLIPRDR channel: either an announcement that local content changed, a
// request for remote content, or locally-read data satisfying a prior
// remote request.
type ClipboardEvent struct {
	InitiateCopy  []ClipboardFormat
	InitiatePaste ClipboardFormat
	FormatData    []byte
}

// ClipboardBackend is the per-connection CLIPRDR handler contract,
// mirroring ironrdp_cliprdr::backend::CliprdrBackend's subset spec.md §6
// scopes in: advertise-on-ready, and data request/response passthrough.
type ClipboardBackend interface {
	OnReady()
	OnRemoteCopy(formats []ClipboardFormat)
	OnFormatDataRequest(format ClipboardFormat) []byte
	OnFormatDataResponse(data []byte)
}

// ClipboardFactory builds one ClipboardBackend per RDP connection and
// carries the event sink shared across connections.
type ClipboardFactory struct {
	events chan<- ClipboardEvent
	logger *slog.Logger
}

// NewClipboardFactory builds a factory that delivers ClipboardEvents on
// events; the caller owns forwarding those onto the RDP protocol engine's
// CLIPRDR channel.
func NewClipboardFactory(events chan<- ClipboardEvent, logger *slog.Logger) *ClipboardFactory {
	return &ClipboardFactory{events: events, logger: logger}
}

func (f *ClipboardFactory) Build() ClipboardBackend {
	return &localClipboardBackend{events: f.events, logger: f.logger}
}

// localClipboardBackend bridges the local system clipboard (via
// atotto/clipboard) to the RDP client's CLIPRDR channel. Grounded on
// original_source/crates/cosmic-rdp-server/src/clipboard.rs's
// LocalClipboardBackend, trimmed to plain-text only.
type localClipboardBackend struct {
	events        chan<- ClipboardEvent
	logger        *slog.Logger
	remoteFormats []ClipboardFormat
}

func (b *localClipboardBackend) send(ev ClipboardEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("clipboard event channel full, dropping event")
	}
}

func (b *localClipboardBackend) OnReady() {
	text, err := clipboard.ReadAll()
	if err != nil || text == "" {
		b.logger.Debug("no local clipboard text to advertise")
		return
	}
	b.send(ClipboardEvent{InitiateCopy: []ClipboardFormat{FormatUnicodeText, FormatText}})
}

func (b *localClipboardBackend) OnRemoteCopy(formats []ClipboardFormat) {
	b.remoteFormats = formats
	for _, f := range formats {
		if f == FormatUnicodeText {
			b.send(ClipboardEvent{InitiatePaste: FormatUnicodeText})
			return
		}
	}
	for _, f := range formats {
		if f == FormatText {
			b.send(ClipboardEvent{InitiatePaste: FormatText})
			return
		}
	}
}

func (b *localClipboardBackend) OnFormatDataRequest(format ClipboardFormat) []byte {
	text, err := clipboard.ReadAll()
	if err != nil {
		b.logger.Warn("failed to read local clipboard", "error", err)
		return nil
	}
	switch format {
	case FormatUnicodeText:
		return encodeUTF16LE(text)
	case FormatText:
		return append([]byte(text), 0)
	default:
		return nil
	}
}

func (b *localClipboardBackend) OnFormatDataResponse(data []byte) {
	text, ok := decodeUTF16LEText(data)
	if !ok {
		text, ok = decodeANSIText(data)
	}
	if !ok {
		b.logger.Debug("empty or undecodable clipboard data from remote")
		return
	}
	if err := clipboard.WriteAll(text); err != nil {
		b.logger.Warn("failed to write local clipboard", "error", err)
	}
}

// encodeUTF16LE encodes s as null-terminated UTF-16LE, the wire format
// CF_UNICODETEXT requires.
func encodeUTF16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2+2)
	for _, r := range s {
		if r > 0xFFFF {
			r = 0xFFFD
		}
		out = append(out, byte(r), byte(r>>8))
	}
	return append(out, 0, 0)
}

func decodeUTF16LEText(data []byte) (string, bool) {
	if len(data) < 2 || len(data)%2 != 0 {
		return "", false
	}
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return "", false
	}
	return string(utf16.Decode(units)), true
}

func decodeANSIText(data []byte) (string, bool) {
	end := len(data)
	for i, b := range data {
		if b == 0 {
			end = i
			break
		}
	}
	if end == 0 {
		return "", false
	}
	return string(data[:end]), true
}
