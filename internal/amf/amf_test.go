package amf

import (
	"reflect"
	"testing"
)

func TestRoundTripScalars(t *testing.T) {
	in := []*Value{
		Number(3.5),
		Boolean(true),
		Boolean(false),
		String("hello world"),
		Null(),
	}

	buf := Encode(in...)

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}

	for i := range in {
		if in[i].Type() != out[i].Type() {
			t.Fatalf("value %d: type mismatch %v != %v", i, in[i].Type(), out[i].Type())
		}
		switch in[i].Type() {
		case TypeNumber:
			if in[i].Float64() != out[i].Float64() {
				t.Fatalf("value %d: number mismatch", i)
			}
		case TypeBoolean:
			if in[i].Bool() != out[i].Bool() {
				t.Fatalf("value %d: bool mismatch", i)
			}
		case TypeString:
			if in[i].String() != out[i].String() {
				t.Fatalf("value %d: string mismatch", i)
			}
		}
	}
}

func TestRoundTripObjectKeyOrder(t *testing.T) {
	obj := Object()
	obj.Set("z", Number(1))
	obj.Set("a", Number(2))
	obj.Set("m", String("mid"))

	buf := Encode(obj)

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d values", len(out))
	}

	gotKeys := out[0].Keys()
	wantKeys := []string{"z", "a", "m"}
	if !reflect.DeepEqual(gotKeys, wantKeys) {
		t.Fatalf("key order: got %v, want %v", gotKeys, wantKeys)
	}
}

func TestEcmaArrayRoundTrip(t *testing.T) {
	arr := EcmaArray()
	arr.Set("level", String("status"))
	arr.Set("code", String("NetStream.Play.Start"))

	buf := Encode(arr)
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[0].Get("code").String() != "NetStream.Play.Start" {
		t.Fatalf("unexpected code: %v", out[0].Get("code").String())
	}
}

func TestLongStringThreshold(t *testing.T) {
	long := make([]byte, 70000)
	for i := range long {
		long[i] = 'x'
	}
	buf := Encode(String(string(long)))
	// A string past longStringThreshold switches to the TypeLongString
	// tag along with its 4-byte length field — the tag and the length
	// form must change together, or the decoder reads the wrong number
	// of length bytes and desyncs the rest of the stream.
	if buf[0] != byte(TypeLongString) {
		t.Fatalf("expected TypeLongString tag, got %d", buf[0])
	}
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out[0].String()) != len(long) {
		t.Fatalf("round trip length mismatch: got %d want %d", len(out[0].String()), len(long))
	}
}

func TestDecodeNStopsEarly(t *testing.T) {
	buf := Encode(String("connect"), Number(1), Object())
	values, consumed, err := DecodeN(buf, 2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("got %d values, want 2", len(values))
	}
	if consumed >= len(buf) {
		t.Fatalf("expected partial consumption, consumed=%d total=%d", consumed, len(buf))
	}
}

func TestTruncatedNeedsMoreBytes(t *testing.T) {
	buf := Encode(String("abc"))
	_, err := Decode(buf[:len(buf)-1])
	if err != ErrNeedMoreBytes {
		t.Fatalf("got %v, want ErrNeedMoreBytes", err)
	}
}

func TestMalformedTag(t *testing.T) {
	_, err := Decode([]byte{0xFE})
	if err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}
