package acp

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// maxBufferedLine bounds the partial-line buffer. A peer that streams an
// unterminated line larger than this has gone off the rails; the buffer is
// dropped rather than growing without bound.
const maxBufferedLine = 10 * 1024 * 1024

// LineDecoder turns a growing byte stream into discrete wire messages.
// Bytes are split on newline; the final incomplete segment is retained
// until more data arrives.
type LineDecoder struct {
	buf []byte
}

// NewLineDecoder creates a new line decoder
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Feed appends a chunk of stream data and returns all complete messages
// it unlocked. A line that fails to parse is logged and skipped; it never
// aborts processing of subsequent lines.
func (d *LineDecoder) Feed(data []byte) []Message {
	d.buf = append(d.buf, data...)

	var messages []Message
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}

		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn().
				Err(err).
				Int("bytes", len(line)).
				Msg("Discarding unparsable line from agent stream")
			continue
		}

		if msg.Kind() == KindInvalid {
			log.Warn().Msg("Discarding line with neither id nor method")
			continue
		}

		messages = append(messages, msg)
	}

	if len(d.buf) > maxBufferedLine {
		log.Error().
			Int("bytes", len(d.buf)).
			Msg("Partial line exceeded buffer limit, dropping")
		d.buf = nil
	}

	return messages
}

// Buffered returns the number of bytes held back waiting for a newline
func (d *LineDecoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any buffered partial line
func (d *LineDecoder) Reset() {
	d.buf = nil
}
