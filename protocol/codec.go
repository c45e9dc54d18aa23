package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownKind    = errors.New("unknown message kind")
)

type Kind string

const (
	KindSyncUpdate      Kind = "sync-update"
	KindSyncRequest     Kind = "sync-request"
	KindSyncResponse    Kind = "sync-response"
	KindAwarenessUpdate Kind = "awareness-update"
	KindCustomMessage   Kind = "custom-message"
)

// Message is one decoded frame. The concrete type identifies the kind and
// carries its payload.
type Message interface {
	Kind() Kind
	isMessage()
}

// SyncUpdate carries a replicated-document update.
type SyncUpdate struct {
	Update []byte
}

// SyncRequest asks the server for its document state vector.
type SyncRequest struct{}

// SyncResponse answers a SyncRequest with the room's state vector.
type SyncResponse struct {
	StateVector []byte
}

// AwarenessUpdate carries presence data that is relayed and never stored.
type AwarenessUpdate struct {
	Update []byte
}

// CustomMessage carries an arbitrary JSON value.
type CustomMessage struct {
	Data json.RawMessage
}

func (SyncUpdate) Kind() Kind      { return KindSyncUpdate }
func (SyncRequest) Kind() Kind     { return KindSyncRequest }
func (SyncResponse) Kind() Kind    { return KindSyncResponse }
func (AwarenessUpdate) Kind() Kind { return KindAwarenessUpdate }
func (CustomMessage) Kind() Kind   { return KindCustomMessage }

func (SyncUpdate) isMessage()      {}
func (SyncRequest) isMessage()     {}
func (SyncResponse) isMessage()    {}
func (AwarenessUpdate) isMessage() {}
func (CustomMessage) isMessage()   {}

type envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

var null = json.RawMessage("null")

// Codec frames messages as JSON envelopes. Byte payloads travel as arrays of
// integers so they survive text transport.
type Codec struct {
	now func() time.Time
}

type CodecOption func(*Codec)

// WithClock sets the source of frame timestamps.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Kind(), Data: null, Timestamp: c.now().UnixMilli()}

	switch m := msg.(type) {
	case SyncUpdate:
		env.Data = encodeBytes(m.Update)
	case SyncResponse:
		env.Data = encodeBytes(m.StateVector)
	case AwarenessUpdate:
		env.Data = encodeBytes(m.Update)
	case CustomMessage:
		if len(m.Data) > 0 {
			env.Data = m.Data
		}
	case SyncRequest:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return frame, nil
}

// Decode parses a frame. Malformed input yields ErrMalformedFrame and an
// unrecognised type yields ErrUnknownKind; neither is fatal to the caller.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch env.Type {
	case KindSyncUpdate:
		b, err := decodeBytes(env.Data)
		if err != nil {
			return nil, err
		}
		return SyncUpdate{Update: b}, nil
	case KindSyncResponse:
		b, err := decodeBytes(env.Data)
		if err != nil {
			return nil, err
		}
		return SyncResponse{StateVector: b}, nil
	case KindAwarenessUpdate:
		b, err := decodeBytes(env.Data)
		if err != nil {
			return nil, err
		}
		return AwarenessUpdate{Update: b}, nil
	case KindSyncRequest:
		return SyncRequest{}, nil
	case KindCustomMessage:
		data := env.Data
		if len(data) == 0 {
			data = null
		}
		return CustomMessage{Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func encodeBytes(b []byte) json.RawMessage {
	buf := make([]byte, 0, 2+len(b)*4)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']')
}

func decodeBytes(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 || bytes.Equal(data, null) {
		return nil, fmt.Errorf("%w: missing byte payload", ErrMalformedFrame)
	}

	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return nil, fmt.Errorf("%w: byte payload: %v", ErrMalformedFrame, err)
	}

	b := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrMalformedFrame, i, n)
		}
		b[i] = byte(n)
	}
	return b, nil
}
