// Package protocol implements the command framing used between scraping
// clients, the scraping server and crawler subprocesses.
//
// A command is the bytes "<name>:" + payload + 0x00. A message is any
// concatenation of commands. Objects are streamed as "<Type>.__init__", one
// command per field, then "<Type>.__del__", which commits the object.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Terminator ends every command.
const Terminator byte = 0x00

const separator byte = ':'

// Well-known command names.
const (
	RequestType   = "PageRequestObject"
	ResponseType  = "PageResponseObject"
	InitSuffix    = ".__init__"
	CommitSuffix  = ".__del__"
	CommandsClose = "commands.close"
)

// ErrMalformed marks a command without the name separator.
var ErrMalformed = errors.New("protocol: malformed command")

// ErrFrameTooLarge marks a command longer than the reader's limit. It
// matches ErrMalformed.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrMalformed)

const readBufferSize = 64 * 1024

// DefaultMaxFrame bounds one command when no limit is given.
const DefaultMaxFrame = 64 << 20

// frameOverhead covers the name and the non-body fields of a response.
const frameOverhead = 1 << 20

// FrameLimit returns a frame limit large enough for a response whose body
// is at most maxBody bytes, sent base64 encoded. A non-positive maxBody
// yields DefaultMaxFrame.
func FrameLimit(maxBody int64) int {
	if maxBody <= 0 {
		return DefaultMaxFrame
	}
	return int(base64Len(maxBody)) + frameOverhead
}

func base64Len(n int64) int64 {
	return (n + 2) / 3 * 4
}

// Command is one decoded frame.
type Command struct {
	Name    string
	Payload []byte
}

// EncodeCommand frames one command.
func EncodeCommand(name string, payload []byte) []byte {
	out := make([]byte, 0, len(name)+len(payload)+2)
	out = append(out, name...)
	out = append(out, separator)
	out = append(out, payload...)
	return append(out, Terminator)
}

// ParseCommand splits one unterminated frame on its first ':'.
func ParseCommand(frame []byte) (Command, error) {
	idx := bytes.IndexByte(frame, separator)
	if idx < 0 {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, truncate(frame, 64))
	}
	return Command{
		Name:    string(frame[:idx]),
		Payload: append([]byte(nil), frame[idx+1:]...),
	}, nil
}

// Buffer accumulates partially delivered bytes and yields whole commands.
type Buffer struct {
	pending []byte
}

// Feed appends received bytes.
func (b *Buffer) Feed(data []byte) {
	b.pending = append(b.pending, data...)
}

// Next pops the next complete command. ok is false when no terminator has
// been received yet; the partial bytes stay buffered.
func (b *Buffer) Next() (cmd Command, ok bool, err error) {
	idx := bytes.IndexByte(b.pending, Terminator)
	if idx < 0 {
		return Command{}, false, nil
	}
	frame := b.pending[:idx]
	cmd, err = ParseCommand(frame)
	b.pending = append(b.pending[:0], b.pending[idx+1:]...)
	if err != nil {
		return Command{}, true, err
	}
	return cmd, true, nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Reader decodes commands from a stream.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader wraps r with the DefaultMaxFrame limit.
func NewReader(r io.Reader) *Reader {
	return NewLimitedReader(r, DefaultMaxFrame)
}

// NewLimitedReader wraps r, rejecting commands longer than maxFrame bytes.
// A non-positive maxFrame means DefaultMaxFrame.
func NewLimitedReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	// The buffer must fill for ReadSlice to give up on a missing
	// terminator, so it never exceeds the limit by more than one byte.
	return &Reader{r: bufio.NewReaderSize(r, min(readBufferSize, maxFrame+1)), max: maxFrame}
}

// Next blocks until one whole command arrives. A stream ending mid-command
// returns io.ErrUnexpectedEOF; a command over the limit returns
// ErrFrameTooLarge without buffering the rest of it.
func (r *Reader) Next() (Command, error) {
	var frame []byte
	for {
		chunk, err := r.r.ReadSlice(Terminator)
		size := len(frame) + len(chunk)
		if err == nil {
			size--
		}
		if size > r.max {
			return Command{}, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, r.max)
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return ParseCommand(frame[:len(frame)-1])
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return Command{}, io.ErrUnexpectedEOF
		default:
			return Command{}, err
		}
	}
}

// Decode parses every complete command in data; trailing partial bytes are
// returned as rest.
func Decode(data []byte) (cmds []Command, rest []byte, err error) {
	var buf Buffer
	buf.Feed(data)
	for {
		cmd, ok, perr := buf.Next()
		if perr != nil {
			return cmds, nil, perr
		}
		if !ok {
			break
		}
		cmds = append(cmds, cmd)
	}
	return cmds, buf.pending, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
