package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxBufferSize is the ceiling for buffered, not-yet-framed bytes (100 MiB).
// Exceeding it resets the buffer: data loss is acceptable, unbounded growth is not.
const DefaultMaxBufferSize = 100 * 1024 * 1024

// sniffWindow is how many leading bytes are inspected to classify the next frame.
const sniffWindow = 50

// ErrBufferOverflow is returned by Feed when accepting more bytes would push the
// buffer past its ceiling. The buffer has been reset to empty; subsequent feeds
// start from a clean state.
var ErrBufferOverflow = errors.New("wire: buffer ceiling exceeded, buffer reset")

// Mode classifies the framing detected for a single message. Detection is
// re-evaluated for every message rather than pinned per connection; real
// servers have been seen switching framing mid-stream.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeHeaderFramed
	ModeLineDelimited
)

func (m Mode) String() string {
	switch m {
	case ModeHeaderFramed:
		return "header-framed"
	case ModeLineDelimited:
		return "line-delimited"
	default:
		return "unknown"
	}
}

// FramingError reports a recoverable fault in the inbound byte stream: a
// malformed header block, a hostile declared length, an unparsable JSON span,
// or stretches of noise between frames. The offending bytes have already been
// consumed; the decoder stays usable on the remaining buffer.
type FramingError struct {
	Mode    Mode
	Reason  string
	Dropped int // bytes consumed by the fault
	Err     error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s framing: %s: %v", e.Mode, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: %s framing: %s", e.Mode, e.Reason)
}

func (e *FramingError) Unwrap() error { return e.Err }

// Decoder converts raw bytes into a sequence of complete JSON-RPC messages.
// It performs no I/O of its own: callers push bytes in with Feed and pull
// messages out with Next. A Decoder is not safe for concurrent use; each
// process channel owns exactly one and drives it from a single loop.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder creates a Decoder with the given buffer ceiling.
// A non-positive ceiling selects DefaultMaxBufferSize.
func NewDecoder(maxBufferSize int) *Decoder {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Decoder{max: maxBufferSize}
}

// Feed appends bytes from the stream to the internal buffer. If the result
// would exceed the ceiling the whole buffer (including p) is discarded and
// ErrBufferOverflow is returned exactly once for the overflow.
func (d *Decoder) Feed(p []byte) error {
	if len(d.buf)+len(p) > d.max {
		d.buf = nil
		return ErrBufferOverflow
	}
	d.buf = append(d.buf, p...)
	return nil
}

// Len returns the number of buffered, not-yet-consumed bytes.
func (d *Decoder) Len() int { return len(d.buf) }

// Reset discards all buffered bytes.
func (d *Decoder) Reset() { d.buf = nil }

// Next extracts the next complete message from the buffer.
//
// Returns (nil, nil) when the buffer holds no complete message yet and the
// caller should feed more bytes. Returns (nil, *FramingError) for a local,
// recoverable fault whose bytes have been consumed; the caller may report it
// and call Next again. Returns (msg, nil) on success.
func (d *Decoder) Next() (*Message, error) {
	for {
		d.stripLeadingSpace()
		if len(d.buf) == 0 {
			return nil, nil
		}

		mode, needMore := sniff(d.buf)
		if needMore {
			return nil, nil
		}

		switch mode {
		case ModeHeaderFramed:
			return d.nextHeaderFramed()
		case ModeLineDelimited:
			return d.nextLineDelimited()
		default:
			// Resync: drop noise up to the next plausible frame start and
			// re-evaluate against the shrunk buffer.
			if off := resyncOffset(d.buf); off > 0 {
				d.consume(off)
				continue
			}
			dropped := len(d.buf)
			d.buf = nil
			return nil, &FramingError{
				Mode:    ModeUnknown,
				Reason:  "unrecoverable noise",
				Dropped: dropped,
			}
		}
	}
}

// stripLeadingSpace consumes stray whitespace between messages. Servers emit
// blank lines and CRLF runs between frames.
func (d *Decoder) stripLeadingSpace() {
	i := 0
	for i < len(d.buf) && isSpace(d.buf[i]) {
		i++
	}
	if i > 0 {
		d.consume(i)
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

const headerToken = "content-length:"

// headerMatch is the result of testing the buffer prefix against the
// Content-Length token.
type headerMatch int

const (
	headerNone    headerMatch = iota
	headerPartial             // prefix is consistent with the token but truncated
	headerFull                // token plus at least one digit present
)

// matchHeaderToken tests whether head starts with a case-insensitive
// Content-Length header carrying a decimal value. headerPartial keeps the
// decoder waiting instead of resyncing when a chunk boundary falls inside the
// token itself, preserving chunk-boundary invariance.
func matchHeaderToken(head []byte) headerMatch {
	i := 0
	for ; i < len(headerToken); i++ {
		if i >= len(head) {
			return headerPartial
		}
		if lower(head[i]) != headerToken[i] {
			return headerNone
		}
	}
	// Skip optional spaces/tabs, then require a digit.
	for ; i < len(head); i++ {
		c := head[i]
		if c == ' ' || c == '\t' {
			continue
		}
		if c >= '0' && c <= '9' {
			return headerFull
		}
		return headerNone
	}
	return headerPartial
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// sniff classifies the leading bytes of buf. needMore is true when the prefix
// is still ambiguous (a header token cut off by a chunk boundary) and the
// caller should wait for more bytes. buf must be non-empty with no leading
// whitespace.
func sniff(buf []byte) (mode Mode, needMore bool) {
	head := buf
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}
	switch matchHeaderToken(head) {
	case headerFull:
		return ModeHeaderFramed, false
	case headerPartial:
		if len(buf) < sniffWindow {
			return ModeUnknown, true
		}
		// The window is exhausted but the prefix is still consistent with a
		// header (token plus trailing padding). Hand it to the header parser,
		// which waits for the terminator and then judges the value; dropping
		// it here would lose a frame whose digits simply haven't arrived.
		return ModeHeaderFramed, false
	}
	if head[0] == '{' {
		return ModeLineDelimited, false
	}
	return ModeUnknown, false
}

// resyncOffset returns the offset of the next plausible frame start (a
// Content-Length header or an opening brace), or -1 when none exists.
func resyncOffset(buf []byte) int {
	brace := bytes.IndexByte(buf, '{')
	header := indexFold(buf, headerToken)
	switch {
	case brace < 0:
		return header
	case header < 0:
		return brace
	case brace < header:
		return brace
	default:
		return header
	}
}

// indexFold is a case-insensitive bytes.Index for an ASCII needle.
func indexFold(buf []byte, needle string) int {
	if len(needle) > len(buf) {
		return -1
	}
	for i := 0; i+len(needle) <= len(buf); i++ {
		j := 0
		for ; j < len(needle); j++ {
			if lower(buf[i+j]) != needle[j] {
				break
			}
		}
		if j == len(needle) {
			return i
		}
	}
	return -1
}

// nextHeaderFramed parses one Content-Length framed message from the front of
// the buffer. Malformed headers and unparsable bodies consume their bytes and
// surface as FramingError so one bad frame never wedges the stream.
func (d *Decoder) nextHeaderFramed() (*Message, error) {
	sep := bytes.Index(d.buf, []byte("\r\n\r\n"))
	if sep < 0 {
		// Header block still arriving.
		return nil, nil
	}

	header := d.buf[:sep]
	bodyStart := sep + 4

	length, ok := parseContentLength(header)
	if !ok {
		d.consume(bodyStart)
		return nil, &FramingError{
			Mode:    ModeHeaderFramed,
			Reason:  "missing or malformed Content-Length value",
			Dropped: bodyStart,
		}
	}
	if length < 0 || length > d.max {
		// A hostile or corrupted length would otherwise leave the decoder
		// waiting forever for bytes that never come.
		d.consume(bodyStart)
		return nil, &FramingError{
			Mode:    ModeHeaderFramed,
			Reason:  fmt.Sprintf("declared length %d outside [0, %d]", length, d.max),
			Dropped: bodyStart,
		}
	}

	bodyEnd := bodyStart + length
	if len(d.buf) < bodyEnd {
		// Body still arriving.
		return nil, nil
	}

	body := make([]byte, length)
	copy(body, d.buf[bodyStart:bodyEnd])
	d.consume(bodyEnd)

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &FramingError{
			Mode:    ModeHeaderFramed,
			Reason:  "body is not valid JSON",
			Dropped: bodyEnd,
			Err:     err,
		}
	}
	return &msg, nil
}

// parseContentLength extracts the Content-Length value from a header block.
// Returns ok=false when the header is absent or its value is not a decimal
// integer.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// nextLineDelimited parses one bare JSON object from the front of the buffer
// by tracking brace depth. Braces inside string literals (and their escapes)
// are not counted, so payloads containing "{" or "}" decode intact.
func (d *Decoder) nextLineDelimited() (*Message, error) {
	end, complete := scanObject(d.buf)
	if !complete {
		// Object still arriving.
		return nil, nil
	}

	span := make([]byte, end)
	copy(span, d.buf[:end])
	d.consume(end)

	var msg Message
	if err := json.Unmarshal(span, &msg); err != nil {
		return nil, &FramingError{
			Mode:    ModeLineDelimited,
			Reason:  "object span is not valid JSON",
			Dropped: end,
			Err:     err,
		}
	}
	return &msg, nil
}

// scanObject scans buf (which must start with '{') for the end of the first
// top-level JSON object. Returns the byte offset one past the closing brace
// and whether the object is complete.
func scanObject(buf []byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i, c := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}
