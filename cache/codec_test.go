package cache

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestCodecsKeepHeadersAndBody(t *testing.T) {
	for _, name := range []string{"msgpack", "cbor"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		in := Entry{
			Status:   http.StatusOK,
			Header:   http.Header{"Vary": {"Origin", "Accept"}},
			Body:     []byte("high water 14:02"),
			Tier:     TierEdge,
			StoredAt: time.UnixMilli(1700000000123),
		}
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%s encode: %v", name, err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if got := out.Header.Values("Vary"); len(got) != 2 || got[1] != "Accept" {
			t.Fatalf("%s: Vary is %v", name, got)
		}
		if string(out.Body) != "high water 14:02" || out.Tier != TierEdge || !out.StoredAt.Equal(in.StoredAt) {
			t.Fatalf("%s: decoded %+v", name, out)
		}
	}
}

func TestDeterministicCBOR(t *testing.T) {
	c, err := NewCBOR(true)
	if err != nil {
		t.Fatal(err)
	}
	e := Entry{Status: http.StatusOK, Header: http.Header{"B": {"2"}, "A": {"1"}, "C": {"3"}}}
	first, _ := c.Encode(e)
	for i := 0; i < 10; i++ {
		if b, _ := c.Encode(e); string(b) != string(first) {
			t.Fatal("Encoding is not stable")
		}
	}
}

func TestForeignBytesAreRejected(t *testing.T) {
	cborCodec, _ := NewCBOR(false)
	// a valid CBOR map holding no response
	b, err := cborCodec.enc.Marshal(map[string]string{"station": "ACT3996"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cborCodec.Decode(b); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("Error is %v", err)
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := CodecByName("gob"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
