package objfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"
)

func TestDecompressMaybePassthroughUncompressed(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04}
	out, err := decompressMaybe(in)
	if err != nil {
		t.Fatalf("decompressMaybe: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("expected passthrough, got %v", out)
	}
}

func TestDecompressMaybeInflatesZlibSection(t *testing.T) {
	payload := []byte("hello debug info")

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	var header bytes.Buffer
	header.WriteString("ZLIB")
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, uint64(len(payload)))
	header.Write(sizeBuf)
	header.Write(compressed.Bytes())

	out, err := decompressMaybe(header.Bytes())
	if err != nil {
		t.Fatalf("decompressMaybe: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected %q, got %q", payload, out)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindExecutable:  "Executable",
		KindDynamic:     "Dynamic",
		KindRelocatable: "Relocatable",
		KindUnknown:     "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
