// Package protocol streams PCM16 audio to the backend over a WebSocket using
// a control-line-plus-payload framing.
//
// Every frame is a JSON control line terminated by '\n'. Frames that carry
// data declare the exact payload size in payload_length and are followed
// immediately by that many raw bytes:
//
//	{"type":"audio-chunk","data":{"rate":16000,"width":2,"channels":1},"payload_length":8192}\n<8192 bytes>
//
// On a WebSocket the control line travels as one text message and the
// payload as the next binary message.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Frame types.
const (
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
	TypePing       = "ping"
)

// Fixed stream format.
const (
	Rate     = 16000
	Width    = 2
	Channels = 1
)

// maxHeaderSize bounds a control line when reading frames back.
const maxHeaderSize = 64 * 1024

// Frame is one control line and its optional payload.
type Frame struct {
	Type          string `json:"type"`
	Data          any    `json:"data,omitempty"`
	PayloadLength *int   `json:"payload_length"`

	Payload []byte `json:"-"`
}

// Format is the data block of audio-start and audio-chunk frames.
type Format struct {
	Rate     int    `json:"rate"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Mode     string `json:"mode,omitempty"`
}

// StopData is the data block of an audio-stop frame.
type StopData struct {
	Timestamp int64 `json:"timestamp"`
}

// AudioStart announces the stream format and capture mode.
func AudioStart(mode string) Frame {
	return Frame{
		Type: TypeAudioStart,
		Data: Format{Rate: Rate, Width: Width, Channels: Channels, Mode: mode},
	}
}

// AudioChunk wraps one encoded PCM16 buffer.
func AudioChunk(payload []byte) Frame {
	n := len(payload)
	return Frame{
		Type:          TypeAudioChunk,
		Data:          Format{Rate: Rate, Width: Width, Channels: Channels},
		PayloadLength: &n,
		Payload:       payload,
	}
}

// AudioStop ends the stream; at is recorded as epoch milliseconds.
func AudioStop(at time.Time) Frame {
	return Frame{
		Type: TypeAudioStop,
		Data: StopData{Timestamp: at.UnixMilli()},
	}
}

// Ping is the keepalive frame.
func Ping() Frame {
	return Frame{Type: TypePing}
}

// Header renders the control line including its trailing newline.
func (f Frame) Header() ([]byte, error) {
	if f.PayloadLength != nil && *f.PayloadLength != len(f.Payload) {
		return nil, fmt.Errorf("%s frame declares %d payload bytes but carries %d", f.Type, *f.PayloadLength, len(f.Payload))
	}
	if f.PayloadLength == nil && len(f.Payload) > 0 {
		return nil, fmt.Errorf("%s frame carries a payload without declaring its length", f.Type)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	return append(b, '\n'), nil
}

// WriteTo writes the byte-stream form: control line then raw payload.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	header, err := f.Header()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(header)
	total := int64(n)
	if err != nil || len(f.Payload) == 0 {
		return total, err
	}
	n, err = w.Write(f.Payload)
	return total + int64(n), err
}

// ReadFrame reads one frame in byte-stream form. Data is left as raw JSON.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	line, err := readLine(r)
	if err != nil {
		return Frame{}, err
	}
	f, err := ParseHeader(line)
	if err != nil {
		return Frame{}, err
	}
	if f.PayloadLength != nil && *f.PayloadLength > 0 {
		f.Payload = make([]byte, *f.PayloadLength)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("failed to read %d byte payload: %w", *f.PayloadLength, err)
		}
	}
	return f, nil
}

// ParseHeader decodes a control line. A trailing newline is optional.
func ParseHeader(line []byte) (Frame, error) {
	var raw struct {
		Type          string          `json:"type"`
		Data          json.RawMessage `json:"data"`
		PayloadLength *int            `json:"payload_length"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Frame{}, fmt.Errorf("failed to parse frame header: %w", err)
	}
	if raw.Type == "" {
		return Frame{}, fmt.Errorf("frame header has no type")
	}
	if raw.PayloadLength != nil && *raw.PayloadLength < 0 {
		return Frame{}, fmt.Errorf("frame header declares negative payload length %d", *raw.PayloadLength)
	}
	f := Frame{Type: raw.Type, PayloadLength: raw.PayloadLength}
	if len(raw.Data) > 0 {
		f.Data = raw.Data
	}
	return f, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxHeaderSize {
			return nil, fmt.Errorf("frame header exceeds %d bytes", maxHeaderSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
