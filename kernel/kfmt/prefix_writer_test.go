package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"[kernel] \n",
		},
		{
			"no line break anywhere",
			"[kernel] no line break anywhere",
		},
		{
			"line feed at the end\n",
			"[kernel] line feed at the end\n",
		},
		{
			"\nPID STATE NAME\n0 RUNNING shell\n1 READY init",
			"[kernel] \n[kernel] PID STATE NAME\n[kernel] 0 RUNNING shell\n[kernel] 1 READY init",
		},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("[kernel] "),
		}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.bytesAfterPrefix = 0

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if expLen := len(spec.input); expLen != wrote {
			t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("> ")}
	)

	w.Write([]byte("partial"))
	w.Write([]byte(" line\nnext"))

	if exp, got := "> partial line\n> next", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

type failingWriter struct{}

func (failingWriter) Write(_ []byte) (int, error) {
	return 0, errors.New("write failed")
}

func TestPrefixWriterErrors(t *testing.T) {
	w := PrefixWriter{Sink: failingWriter{}, Prefix: []byte("> ")}

	if _, err := w.Write([]byte("data")); err == nil {
		t.Fatal("expected the sink error to be propagated")
	}
}
