package cache

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoStatus is returned when decoded bytes hold no response.
var ErrNoStatus = errors.New("decoded entry has no status")

// Codec turns entries into bytes for stores and backends that only keep bytes.
type Codec interface {
	Encode(Entry) ([]byte, error)
	Decode([]byte) (Entry, error)
}

// CodecByName returns the codec configured under name.
// An empty name selects msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return Msgpack{}, nil
	case "cbor":
		return NewCBOR(false)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// Msgpack is the default codec. Fields are keyed by their msgpack tags.
type Msgpack struct{}

func (Msgpack) Encode(e Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (Msgpack) Decode(b []byte) (Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	return checkDecoded(e)
}

// CBOR encodes entries as maps with integer keys, which keeps them small
// next to the response body. Build it with NewCBOR.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds a CBOR codec. Deterministic output (RFC 8949 core
// deterministic encoding) gives equal bytes for equal entries, so stored
// values can be compared byte-wise across proxy instances.
func NewCBOR(deterministic bool) (CBOR, error) {
	opts := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		opts = cbor.CoreDetEncOptions()
	}
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return CBOR{}, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CBOR{}, err
	}
	return CBOR{enc: enc, dec: dec}, nil
}

func (c CBOR) Encode(e Entry) ([]byte, error) {
	return c.enc.Marshal(e)
}

func (c CBOR) Decode(b []byte) (Entry, error) {
	var e Entry
	if err := c.dec.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	return checkDecoded(e)
}

// checkDecoded rejects values that decoded cleanly but are no stored
// response, e.g. bytes written by another codec.
func checkDecoded(e Entry) (Entry, error) {
	if e.Status == 0 {
		return Entry{}, ErrNoStatus
	}
	return e, nil
}
