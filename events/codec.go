package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
)

// Wire form of every control message:
//
//	[0xC2 0x01][uint32 schema length][writer schema JSON][avro binary]
//
// The writer's schema travels with the bytes, so a receiver decodes
// with the exact schema the sender used and then maps fields by name.
// Fields the receiver does not know are dropped; optional fields the
// sender did not write come back nil. Both directions of a
// mixed-version deployment therefore interoperate without a schema
// registry call per message. The envelope and the payload each carry
// their own schema: the payload rides inside the envelope as bytes.

var (
	// ErrBadEnvelope marks bytes that are not a control message at
	// all: wrong magic, truncated header, or an unparsable schema.
	ErrBadEnvelope = errors.New("events: malformed envelope")

	// ErrUnknownEventType marks a structurally valid envelope whose
	// type discriminant this build does not know.
	ErrUnknownEventType = errors.New("events: unknown event type")
)

var wireMagic = [2]byte{0xC2, 0x01}

// Codec encodes and decodes control events. It caches compiled Avro
// codecs per schema, including writer schemas first seen on the wire.
// Safe for concurrent use.
type Codec struct {
	mu     sync.RWMutex
	known  map[int32]string
	codecs map[string]*goavro.Codec
}

// NewCodec returns a codec over this build's payload schemas.
func NewCodec() *Codec {
	return NewCodecWithSchemas(KnownSchemas())
}

// NewCodecWithSchemas returns a codec with an explicit schema
// registry, used to exercise version skew in tests.
func NewCodecWithSchemas(known map[int32]string) *Codec {
	return &Codec{
		known:  known,
		codecs: make(map[string]*goavro.Codec),
	}
}

// KnownSchema reports whether the codec natively knows the given
// schema identifier. Decoding does not require it.
func (c *Codec) KnownSchema(id int32) bool {
	_, ok := c.known[id]
	return ok
}

// Encode serializes an event into the self-describing wire form.
func (c *Codec) Encode(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("events: encode %s: nil payload", e.Type)
	}
	schema, ok := schemaForType(e.Payload.Type())
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, int32(e.Payload.Type()))
	}
	payloadCodec, err := c.codecFor(schema)
	if err != nil {
		return nil, fmt.Errorf("events: payload schema: %w", err)
	}
	body, err := payloadCodec.BinaryFromNative(nil, e.Payload.toNative())
	if err != nil {
		return nil, fmt.Errorf("events: encode %s payload: %w", e.Type, err)
	}
	envCodec, err := c.codecFor(envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("events: envelope schema: %w", err)
	}
	envBody, err := envCodec.BinaryFromNative(nil, map[string]interface{}{
		"group_id":   e.GroupID,
		"event_type": int32(e.Type),
		"schema_id":  e.SchemaID,
		"payload":    frame(schema, body),
	})
	if err != nil {
		return nil, fmt.Errorf("events: encode envelope: %w", err)
	}
	return frame(envelopeSchema, envBody), nil
}

// Decode deserializes a control message. Unknown trailing fields in
// the writer's schema are ignored; optional fields the writer did not
// have decode as nil.
func (c *Codec) Decode(b []byte) (Event, error) {
	envSchema, envBody, err := unframe(b)
	if err != nil {
		return Event{}, err
	}
	envNative, err := c.nativeFrom(envSchema, envBody)
	if err != nil {
		return Event{}, fmt.Errorf("%w: envelope body: %v", ErrBadEnvelope, err)
	}
	typeOrdinal, ok := nativeInt32(envNative, "event_type")
	if !ok {
		return Event{}, fmt.Errorf("%w: envelope missing event_type", ErrBadEnvelope)
	}
	schemaID, _ := nativeInt32(envNative, "schema_id")
	payloadBytes, ok := envNative["payload"].([]byte)
	if !ok {
		return Event{}, fmt.Errorf("%w: envelope missing payload", ErrBadEnvelope)
	}

	pSchema, pBody, err := unframe(payloadBytes)
	if err != nil {
		return Event{}, err
	}
	pNative, err := c.nativeFrom(pSchema, pBody)
	if err != nil {
		return Event{}, fmt.Errorf("%w: payload body: %v", ErrBadEnvelope, err)
	}

	eventType := EventType(typeOrdinal)
	var payload Payload
	switch eventType {
	case EventTypeCommitRequest:
		payload, err = commitRequestFromNative(pNative)
	case EventTypeCommitResponse:
		payload, err = commitResponseFromNative(pNative)
	case EventTypeCommitReady:
		payload, err = commitReadyFromNative(pNative)
	case EventTypeCommitTable:
		payload, err = commitTableFromNative(pNative)
	case EventTypeCommitComplete:
		payload, err = commitCompleteFromNative(pNative)
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownEventType, typeOrdinal)
	}
	if err != nil {
		return Event{}, fmt.Errorf("events: decode %s: %w", eventType, err)
	}

	return Event{
		GroupID:  nativeString(envNative, "group_id"),
		Type:     eventType,
		SchemaID: schemaID,
		Payload:  payload,
	}, nil
}

func (c *Codec) nativeFrom(schema string, body []byte) (map[string]interface{}, error) {
	codec, err := c.codecFor(schema)
	if err != nil {
		return nil, err
	}
	native, _, err := codec.NativeFromBinary(body)
	if err != nil {
		return nil, err
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decoded non-record value %T", native)
	}
	return m, nil
}

func (c *Codec) codecFor(schema string) (*goavro.Codec, error) {
	c.mu.RLock()
	codec, ok := c.codecs[schema]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.codecs[schema] = codec
	c.mu.Unlock()
	return codec, nil
}

func frame(schema string, body []byte) []byte {
	out := make([]byte, 0, 2+4+len(schema)+len(body))
	out = append(out, wireMagic[0], wireMagic[1])
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(schema)))
	out = append(out, l[:]...)
	out = append(out, schema...)
	out = append(out, body...)
	return out
}

func unframe(b []byte) (schema string, body []byte, err error) {
	if len(b) < 6 || b[0] != wireMagic[0] || b[1] != wireMagic[1] {
		return "", nil, fmt.Errorf("%w: bad magic", ErrBadEnvelope)
	}
	n := binary.BigEndian.Uint32(b[2:6])
	if uint32(len(b)-6) < n {
		return "", nil, fmt.Errorf("%w: truncated schema", ErrBadEnvelope)
	}
	return string(b[6 : 6+n]), b[6+n:], nil
}
