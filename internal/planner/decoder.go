package planner

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/planline/planline/pkg/schema"
)

const maxLineBytes = 4 * 1024 * 1024 // 4MB per protocol line

// Decoder reads newline-delimited JSON protocol messages from a stream.
// Network reads split lines at arbitrary byte boundaries, so the decoder
// buffers the trailing partial line across reads and emits only complete
// lines. A non-empty remainder at EOF is parsed as the final message.
type Decoder struct {
	r    io.Reader
	buf  []byte
	read []byte
	err  error
}

// NewDecoder creates a Decoder over a streaming response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, read: make([]byte, 32*1024)}
}

// Next returns the next protocol message. It returns io.EOF once the stream
// is exhausted, and a PARSE_ERROR for lines that are not valid JSON.
func (d *Decoder) Next() (*schema.StreamMessage, error) {
	for {
		if line, ok := d.takeLine(); ok {
			msg, err := decodeLine(line, false)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				continue // blank line
			}
			return msg, nil
		}

		if d.err != nil {
			// Flush the remainder before surfacing the terminal error. A
			// remainder that fails to parse was cut off mid-line, so its
			// error is marked as truncation.
			if rest := strings.TrimSpace(string(d.buf)); rest != "" {
				d.buf = nil
				msg, err := decodeLine(rest, true)
				if err != nil {
					return nil, err
				}
				if msg != nil {
					return msg, nil
				}
			}
			return nil, d.err
		}

		n, err := d.r.Read(d.read)
		if n > 0 {
			d.buf = append(d.buf, d.read[:n]...)
			if len(d.buf) > maxLineBytes {
				return nil, schema.NewErrorf(schema.ErrCodeParse,
					"protocol line exceeds %d bytes", maxLineBytes)
			}
		}
		if err != nil {
			d.err = err
			if !errors.Is(err, io.EOF) {
				d.err = schema.NewError(schema.ErrCodeTransport, "stream read failed").WithCause(err)
			}
		}
	}
}

// takeLine pops one complete newline-terminated line from the buffer.
func (d *Decoder) takeLine() (string, bool) {
	idx := -1
	for i, b := range d.buf {
		if b == '\n' {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", false
	}
	line := strings.TrimSpace(string(d.buf[:idx]))
	d.buf = d.buf[idx+1:]
	return line, true
}

// decodeLine parses one protocol line. Blank lines yield (nil, nil). The
// truncated flag rides along in the error details so callers can tell a
// cut-off stream from a merely garbled line.
func decodeLine(line string, truncated bool) (*schema.StreamMessage, error) {
	if line == "" {
		return nil, nil
	}
	var msg schema.StreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, schema.NewError(schema.ErrCodeParse, "malformed protocol line").
			WithCause(err).
			WithDetails(map[string]any{"line": truncate(line, 512), "truncated": truncated})
	}
	return &msg, nil
}

// IsRecoverableParseError reports whether err is a malformed-line parse
// failure that a reader can skip past. Truncation and oversize errors are
// not recoverable: the stream cannot continue beyond them.
func IsRecoverableParseError(err error) bool {
	var perr *schema.PlanlineError
	if !errors.As(err, &perr) || perr.Code != schema.ErrCodeParse {
		return false
	}
	truncated, ok := perr.Details["truncated"].(bool)
	return ok && !truncated
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
