package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"golang.org/x/sys/unix"
)

// pipe is the framed duplex channel over a child's stdin/stdout.
//
// Every frame is a big-endian 32-bit length followed by that many bytes
// of msgpack payload.
type pipe struct {
	stdin  *os.File
	stdout *os.File
	// Read buffer, bounded by the configured buffer size.
	buffer []byte
	// Reusable output buffer for serializing messages.
	wbuf bytes.Buffer
	hdr  [4]byte
}

func newPipe(stdin, stdout *os.File, bufferSize int) *pipe {
	return &pipe{
		stdin:  stdin,
		stdout: stdout,
		buffer: make([]byte, bufferSize),
	}
}

func (p *pipe) close() {
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.stdout != nil {
		p.stdout.Close()
	}
}

// putMessage serializes msg and writes one frame.
func (p *pipe) putMessage(msg any) error {
	p.wbuf.Reset()
	enc := msgpack.NewEncoder(&p.wbuf)
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	binary.BigEndian.PutUint32(p.hdr[:], uint32(p.wbuf.Len()))
	if _, err := p.stdin.Write(p.hdr[:]); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	if _, err := p.stdin.Write(p.wbuf.Bytes()); err != nil {
		return fmt.Errorf("writing message payload: %w", err)
	}
	return nil
}

// readBytes reads one frame into the internal buffer and returns it.
// A zero-length header yields (nil, nil).
func (p *pipe) readBytes() ([]byte, error) {
	if _, err := io.ReadFull(p.stdout, p.hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	size := int(int32(binary.BigEndian.Uint32(p.hdr[:])))
	switch {
	case size > len(p.buffer):
		return nil, ErrIoBufferOverflow
	case size > 0:
		buf := p.buffer[:size]
		if _, err := io.ReadFull(p.stdout, buf); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
		return buf, nil
	default:
		return nil, nil
	}
}

// Envelope kinds, as discriminated by decodeEnvelope.
type envelopeKind int

const (
	envSuccess envelopeKind = iota
	envFailure
	envNoData
	envByteChunk
)

// decodeEnvelope decodes a reply envelope. Success payloads are decoded
// into v; failure payloads are returned as a generic value inside the
// ResponseError built by the caller.
//
// The wire shapes are: a (status, payload) sequence with status 200/206
// for success and anything else for failure, or a bare integer 204
// (no data) or 206 (a raw byte chunk follows in the next frame).
func decodeEnvelope(b []byte, v any) (int64, envelopeKind, any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	code, err := dec.PeekCode()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if msgpcode.IsFixedNum(code) || code == msgpcode.Uint8 || code == msgpcode.Uint16 ||
		code == msgpcode.Uint32 || code == msgpcode.Uint64 || code == msgpcode.Int8 ||
		code == msgpcode.Int16 || code == msgpcode.Int32 || code == msgpcode.Int64 {
		n, err := dec.DecodeInt64()
		if err != nil {
			return 0, 0, nil, fmt.Errorf("decoding envelope status: %w", err)
		}
		switch n {
		case 204:
			return n, envNoData, nil, nil
		case 206:
			return n, envByteChunk, nil, nil
		default:
			return 0, 0, nil, fmt.Errorf("decoding envelope: unexpected scalar %d", n)
		}
	}
	if !msgpcode.IsFixedArray(code) && code != msgpcode.Array16 && code != msgpcode.Array32 {
		return 0, 0, nil, fmt.Errorf("decoding envelope: unexpected code %#x", code)
	}
	if _, err := dec.DecodeArrayLen(); err != nil {
		return 0, 0, nil, fmt.Errorf("decoding envelope: %w", err)
	}
	status, err := dec.DecodeInt64()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decoding envelope status: %w", err)
	}
	if status == 200 || status == 206 {
		if v != nil {
			if err := dec.Decode(v); err != nil {
				return 0, 0, nil, fmt.Errorf("decoding envelope payload: %w", err)
			}
		} else if err := dec.Skip(); err != nil {
			return 0, 0, nil, fmt.Errorf("decoding envelope payload: %w", err)
		}
		return status, envSuccess, nil, nil
	}
	var msg any
	if err := dec.Decode(&msg); err != nil {
		return 0, 0, nil, fmt.Errorf("decoding envelope failure payload: %w", err)
	}
	return status, envFailure, msg, nil
}

// readResponse reads one envelope and accepts Success only.
func readResponse[T any](p *pipe) (int64, T, error) {
	var out T
	b, err := p.readBytes()
	if err != nil {
		return 0, out, err
	}
	if b == nil {
		return 0, out, ErrResponseExpected
	}
	status, kind, failure, err := decodeEnvelope(b, &out)
	if err != nil {
		return 0, out, err
	}
	switch kind {
	case envSuccess:
		return status, out, nil
	case envFailure:
		return 0, out, &ResponseError{Status: status, Msg: failure}
	case envNoData:
		return 0, out, ErrNoDataResponse
	default:
		return 0, out, ErrUnexpectedResponse
	}
}

// readNoData reads one envelope and accepts NoData only.
func (p *pipe) readNoData() error {
	b, err := p.readBytes()
	if err != nil {
		return err
	}
	if b == nil {
		return ErrResponseExpected
	}
	var sink any
	status, kind, failure, err := decodeEnvelope(b, &sink)
	if err != nil {
		return err
	}
	switch kind {
	case envNoData:
		return nil
	case envSuccess:
		return &ResponseError{Status: status, Msg: sink}
	case envFailure:
		return &ResponseError{Status: status, Msg: failure}
	default:
		return ErrUnexpectedResponse
	}
}

// readStream reads one streamed envelope.
//
// Success(206) continues the stream; any other success status or NoData
// terminates it. The boolean result reports whether an item was decoded,
// done reports end-of-stream.
func readStream[T any](p *pipe) (item T, ok, done bool, err error) {
	b, rerr := p.readBytes()
	if rerr != nil {
		err = rerr
		return
	}
	if b == nil {
		err = ErrResponseExpected
		return
	}
	status, kind, failure, derr := decodeEnvelope(b, &item)
	if derr != nil {
		err = derr
		return
	}
	switch kind {
	case envSuccess:
		ok = true
		done = status != 206
	case envNoData:
		done = true
	case envFailure:
		err = &ResponseError{Status: status, Msg: failure}
	default:
		err = ErrUnexpectedResponse
	}
	return
}

// readChunk reads one byte-chunk envelope: a 206 scalar marker followed by
// a frame whose payload is the raw bytes. NoData terminates the stream.
func (p *pipe) readChunk() ([]byte, bool, error) {
	b, err := p.readBytes()
	if err != nil {
		return nil, false, err
	}
	if b == nil {
		return nil, false, ErrResponseExpected
	}
	var sink any
	status, kind, failure, err := decodeEnvelope(b, &sink)
	if err != nil {
		return nil, false, err
	}
	switch kind {
	case envByteChunk:
		chunk, err := p.readBytes()
		if err != nil {
			return nil, false, err
		}
		if chunk == nil {
			return nil, false, ErrEmptyChunk
		}
		return chunk, false, nil
	case envNoData:
		return nil, true, nil
	case envFailure:
		return nil, false, &ResponseError{Status: status, Msg: failure}
	default:
		return nil, false, &ResponseError{Status: status, Msg: sink}
	}
}

// drain probes the read side without blocking and discards any buffered
// data. Returns true if anything was read. Used after a cancellation to
// dispose of leftover reply bytes.
func (p *pipe) drain() (bool, error) {
	conn, err := p.stdout.SyscallConn()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTaskFailed, err)
	}
	var (
		drained bool
		ioErr   error
	)
	cerr := conn.Read(func(fd uintptr) bool {
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(int(fd), buf)
			switch {
			case err == unix.EAGAIN:
				return true
			case err != nil:
				log.Debugf("drain: i/o error: %v", err)
				ioErr = err
				return true
			case n == 0:
				return true
			default:
				drained = true
			}
		}
	})
	if cerr != nil {
		return drained, fmt.Errorf("%w: %v", ErrTaskFailed, cerr)
	}
	if ioErr != nil {
		return drained, fmt.Errorf("draining pipe: %w", ioErr)
	}
	return drained, nil
}

// sendMessage writes msg and reads a typed success reply.
func sendMessage[T any](p *pipe, msg any) (int64, T, error) {
	var out T
	if err := p.putMessage(msg); err != nil {
		return 0, out, err
	}
	return readResponse[T](p)
}

// sendNoReplyMessage writes msg and expects a NoData reply.
func (p *pipe) sendNoReplyMessage(msg any) error {
	if err := p.putMessage(msg); err != nil {
		return err
	}
	return p.readNoData()
}
