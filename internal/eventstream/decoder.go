// Package eventstream decodes the binary-framed application/vnd.amazon.eventstream
// responses the upstream returns. Each frame carries a 12-byte prelude
// (total length, header length, prelude CRC), a header block the gateway
// does not interpret, a JSON payload, and a trailing CRC. CRCs are not
// verified; the upstream has not been observed to corrupt frames.
package eventstream

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"
)

const (
	preludeLen = 12
	// overhead = prelude (12) + message CRC (4)
	frameOverhead = 16

	// maxFrameSize guards against a torn prelude making us buffer forever.
	maxFrameSize = 16 << 20
)

// ErrFrameTooLarge indicates a prelude announced an implausible frame size.
var ErrFrameTooLarge = errors.New("eventstream: frame exceeds size limit")

// Event kinds.
type Kind int

const (
	// KindContent is an incremental assistant text fragment.
	KindContent Kind = iota
	// KindToolUse is an incremental tool-call fragment; Input concatenates
	// across events until Stop is true.
	KindToolUse
	// KindUsage is the final token-usage report.
	KindUsage
)

// Event is one decoded upstream payload.
type Event struct {
	Kind Kind

	// KindContent
	Text string

	// KindToolUse
	ToolUseID string
	Name      string
	Input     string
	Stop      bool

	// KindUsage
	InputTokens  int64
	OutputTokens int64
}

// Decoder reads frames from an upstream response body as they arrive.
// Frames that span multiple network reads are buffered; unknown payload
// shapes are skipped.
type Decoder struct {
	r   io.Reader
	buf []byte

	scratch [4096]byte
}

// NewDecoder wraps the upstream body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 0, 8192)}
}

// Next blocks until a recognized payload event is available. It returns
// io.EOF when the stream ends cleanly; partial trailing bytes at EOF are
// logged and discarded, not surfaced as an error.
func (d *Decoder) Next() (Event, error) {
	for {
		payload, err := d.nextPayload()
		if err != nil {
			return Event{}, err
		}
		if event, ok := classify(payload); ok {
			return event, nil
		}
	}
}

// nextPayload returns the raw JSON payload of the next complete frame.
func (d *Decoder) nextPayload() ([]byte, error) {
	for {
		d.skipInterFrameWhitespace()

		if len(d.buf) >= preludeLen {
			totalLen := int(binary.BigEndian.Uint32(d.buf[0:4]))
			headerLen := int(binary.BigEndian.Uint32(d.buf[4:8]))

			if totalLen < frameOverhead || totalLen > maxFrameSize || headerLen < 0 || headerLen > totalLen-frameOverhead {
				return nil, ErrFrameTooLarge
			}
			if len(d.buf) >= totalLen {
				payloadStart := preludeLen + headerLen
				payloadEnd := totalLen - 4 // strip message CRC
				payload := make([]byte, payloadEnd-payloadStart)
				copy(payload, d.buf[payloadStart:payloadEnd])
				d.buf = d.buf[:copy(d.buf, d.buf[totalLen:])]
				return payload, nil
			}
		}

		n, err := d.r.Read(d.scratch[:])
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(d.buf) > 0 {
					log.Warnf("eventstream: %d trailing bytes at EOF discarded", len(d.buf))
					d.buf = d.buf[:0]
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// skipInterFrameWhitespace drops stray whitespace the upstream sometimes
// interleaves between frames.
func (d *Decoder) skipInterFrameWhitespace() {
	i := 0
	for i < len(d.buf) {
		switch d.buf[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			if i > 0 {
				d.buf = d.buf[:copy(d.buf, d.buf[i:])]
			}
			return
		}
	}
	d.buf = d.buf[:0]
}

// classify maps a raw payload onto a typed event. Payloads that match none
// of the known shapes are ignored.
func classify(payload []byte) (Event, bool) {
	if !gjson.ValidBytes(payload) {
		return Event{}, false
	}
	node := gjson.ParseBytes(payload)

	if usage := node.Get("usage"); usage.Exists() && usage.IsObject() {
		return Event{
			Kind:         KindUsage,
			InputTokens:  usage.Get("inputTokens").Int(),
			OutputTokens: usage.Get("outputTokens").Int(),
		}, true
	}

	if id := node.Get("toolUseId"); id.Exists() {
		return Event{
			Kind:      KindToolUse,
			ToolUseID: id.String(),
			Name:      node.Get("name").String(),
			Input:     node.Get("input").String(),
			Stop:      node.Get("stop").Bool(),
		}, true
	}

	if content := node.Get("content"); content.Exists() {
		return Event{Kind: KindContent, Text: content.String()}, true
	}

	return Event{}, false
}
