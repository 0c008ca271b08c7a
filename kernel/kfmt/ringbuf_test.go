package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "the big brown fox jumped over the lazy dog"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb = ringBuffer{}
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write moves read pointer", func(t *testing.T) {
		rb = ringBuffer{wIndex: ringBufferSize - 1}
		_, err := rb.Write([]byte{'!'})
		if err != nil {
			t.Fatal(err)
		}

		if exp := 1; rb.rIndex != exp {
			t.Fatalf("expected write to push rIndex to %d; got %d", exp, rb.rIndex)
		}
	})

	t.Run("wIndex < rIndex", func(t *testing.T) {
		rb = ringBuffer{wIndex: ringBufferSize - 2, rIndex: ringBufferSize - 2}
		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		var out bytes.Buffer
		io.Copy(&out, &rb)

		if got := out.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("discard", func(t *testing.T) {
		rb = ringBuffer{}
		rb.Write([]byte(expStr))
		rb.Discard()

		if n, err := rb.Read(make([]byte, 8)); n != 0 || err != io.EOF {
			t.Fatalf("expected discarded buffer to return (0, io.EOF); got (%d, %v)", n, err)
		}

		if got := string(rb.Snapshot()); got != expStr {
			t.Fatalf("expected snapshot to keep discarded bytes; got %q", got)
		}
	})

	t.Run("snapshot after wrap", func(t *testing.T) {
		rb = ringBuffer{}
		rb.Write(bytes.Repeat([]byte{'a'}, ringBufferSize-2))
		rb.Write([]byte("bcde"))

		got := rb.Snapshot()
		if len(got) != ringBufferSize {
			t.Fatalf("expected snapshot length %d; got %d", ringBufferSize, len(got))
		}
		if !bytes.HasSuffix(got, []byte("bcde")) || got[0] != 'a' {
			t.Fatalf("expected snapshot to be ordered oldest first")
		}
	})
}

func readByteByByte(buf *bytes.Buffer, r io.Reader) string {
	buf.Reset()
	var b = make([]byte, 1)
	for {
		_, err := r.Read(b)
		if err == io.EOF {
			break
		}

		buf.Write(b)
	}
	return buf.String()
}
