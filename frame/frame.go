// Package frame implements the length-delimited binary framing described in
// spec §4.1 and §6.1: every frame on the wire is keyed by (schemaId,
// schemaVersion), with an optional fixed leading-padding prefix negotiated
// per connection, and a registry of per-key serializers/listeners.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Key identifies one (schemaId, schemaVersion) pair in the registry.
type Key struct {
	SchemaID      uuid.UUID
	SchemaVersion uint32
}

func (k Key) String() string { return fmt.Sprintf("%s/v%d", k.SchemaID, k.SchemaVersion) }

// Body is anything that can serialize itself into a frame payload once the
// schema key has already been written. Decoding is done by the Decoder
// registered for its key, given a reader positioned right after the key.
type Body interface {
	Encode(w *bytes.Buffer) error
}

// Decoder decodes a payload of a known key into a Body.
type Decoder func(r io.Reader) (Body, error)

// Listener is invoked with a decoded Body once a frame has been fully read.
type Listener func(key Key, body Body)

type registration struct {
	decode   Decoder
	listener Listener
}

// Registry is the per-connection (schemaId, schemaVersion) -> codec table.
// A zero Registry is usable.
type Registry struct {
	mu  sync.RWMutex
	reg map[Key]registration
}

func NewRegistry() *Registry {
	return &Registry{reg: make(map[Key]registration)}
}

// Register installs the serializer/listener pair for key. Registering a
// prior schema version alongside newer ones is how the codec keeps
// "legacy" decode paths available (spec §1, §6.1).
func (r *Registry) Register(key Key, decode Decoder, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg == nil {
		r.reg = make(map[Key]registration)
	}
	r.reg[key] = registration{decode: decode, listener: listener}
}

func (r *Registry) lookup(key Key) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.reg[key]
	return reg, ok
}

// ErrUnknownKey is returned by Decode when no (schemaId, schemaVersion) is
// registered; the caller must reply FEATURE_NOT_IMPLEMENTED echoing the
// offending request id (spec §4.1).
type ErrUnknownKey struct{ Key Key }

func (e *ErrUnknownKey) Error() string { return "frame: unknown schema key " + e.Key.String() }

// leadingPaddingBytes is the fixed prefix written ahead of the schema key
// when the peer only understands the legacy non-compact encoding.
const leadingPaddingBytes = 4

// EncodeFrame writes key + body into w, applying leading padding when
// requested by the connection's negotiated mode.
func EncodeFrame(w io.Writer, key Key, body Body, leadingPadding bool) error {
	var buf bytes.Buffer
	if leadingPadding {
		buf.Write(make([]byte, leadingPaddingBytes))
	}
	idBytes, _ := key.SchemaID.MarshalBinary()
	buf.Write(idBytes)
	writeVarint(&buf, uint64(key.SchemaVersion))
	if err := body.Encode(&buf); err != nil {
		return err
	}
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(buf.Len()))
	if _, err := w.Write(length); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeFrame decodes one frame body from raw using the registry; raw must
// not include the 4-byte length prefix EncodeFrame writes. It returns
// (*ErrUnknownKey) when the key has no registration so the caller can
// answer with FEATURE_NOT_IMPLEMENTED.
func (r *Registry) DecodeFrame(raw []byte, leadingPadding bool) (Key, Body, error) {
	br := bytes.NewReader(raw)
	if leadingPadding {
		if _, err := br.Seek(leadingPaddingBytes, io.SeekCurrent); err != nil {
			return Key{}, nil, err
		}
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(br, idBytes); err != nil {
		return Key{}, nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return Key{}, nil, err
	}
	version, err := readVarint(br)
	if err != nil {
		return Key{}, nil, err
	}
	key := Key{SchemaID: id, SchemaVersion: uint32(version)}
	reg, ok := r.lookup(key)
	if !ok {
		return key, nil, &ErrUnknownKey{Key: key}
	}
	body, err := reg.decode(br)
	if err != nil {
		return key, nil, err
	}
	if reg.listener != nil {
		reg.listener(key, body)
	}
	return key, body, nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}
