package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is the wire format of the control channel.
type Format string

// Supported formats.
const (
	FormatMsgpack Format = "msgpack"
	FormatJSON    Format = "json"
)

// Entry is a single domain key of a control message with its raw value.
type Entry struct {
	// Value is either nil or a map[string]any.  Anything else is rejected by
	// [Parse].
	Value any

	// Key is the domain key or [SelfKey].
	Key string
}

// Message is a decoded control message.  Entries are kept in the order they
// should be applied.
type Message []Entry

// Decoder reads control messages from a stream.
type Decoder interface {
	// Decode reads the next message.  It returns io.EOF when the stream is
	// over.  Errors wrapping [ErrMalformed] mean that the message was skipped
	// and the stream can still be read, any other error is terminal.
	Decode() (msg Message, err error)
}

// NewDecoder creates a Decoder of the given format reading from r.
func NewDecoder(format Format, r io.Reader) (d Decoder, err error) {
	switch format {
	case FormatMsgpack, "":
		return &msgpackDecoder{dec: msgpack.NewDecoder(r)}, nil
	case FormatJSON:
		return &jsonDecoder{dec: json.NewDecoder(r)}, nil
	default:
		return nil, fmt.Errorf("control: unsupported format %q", format)
	}
}

// msgpackDecoder decodes a stream of msgpack maps.
type msgpackDecoder struct {
	dec *msgpack.Decoder
}

// type check
var _ Decoder = (*msgpackDecoder)(nil)

// Decode implements the Decoder interface for *msgpackDecoder.  Every message
// is read as one raw value first so that a value of a wrong shape doesn't
// break the stream.
func (d *msgpackDecoder) Decode() (msg Message, err error) {
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("control: reading msgpack stream: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("control: message is not a map: %s: %w", err, ErrMalformed)
	}

	if n < 0 {
		// A nil map carries no updates.
		return nil, nil
	}

	msg = make(Message, 0, n)
	for i := 0; i < n; i++ {
		var e Entry
		e.Key, err = dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("control: bad message key: %s: %w", err, ErrMalformed)
		}

		e.Value, err = dec.DecodeInterface()
		if err != nil {
			return nil, fmt.Errorf("control: bad value of %q: %s: %w", e.Key, err, ErrMalformed)
		}

		msg = append(msg, e)
	}

	return msg, nil
}

// jsonDecoder decodes a stream of JSON objects.  JSON objects are unordered,
// so the keys of a message are applied in sorted order.
type jsonDecoder struct {
	dec *json.Decoder
}

// type check
var _ Decoder = (*jsonDecoder)(nil)

// Decode implements the Decoder interface for *jsonDecoder.
func (d *jsonDecoder) Decode() (msg Message, err error) {
	var obj map[string]json.RawMessage
	err = d.dec.Decode(&obj)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		typeErr := &json.UnmarshalTypeError{}
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("control: message is not an object: %s: %w", err, ErrMalformed)
		}

		return nil, fmt.Errorf("control: reading json stream: %w", err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msg = make(Message, 0, len(keys))
	for _, k := range keys {
		var v any
		if err = json.Unmarshal(obj[k], &v); err != nil {
			return nil, fmt.Errorf("control: bad value of %q: %s: %w", k, err, ErrMalformed)
		}

		msg = append(msg, Entry{Key: k, Value: v})
	}

	return msg, nil
}
