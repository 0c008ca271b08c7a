package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func resetConsole() {
	outputSink = nil
	messageBuffer = ringBuffer{}
}

func TestPrintfBuffersUntilSinkIsSet(t *testing.T) {
	defer resetConsole()
	resetConsole()

	Printf("early %s %d\n", "boot", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early boot 42\n", buf.String(); got != exp {
		t.Fatalf("expected sink to receive buffered output %q; got %q", exp, got)
	}

	Printf("pid %d ready", 3)
	if exp, got := "early boot 42\npid 3 ready", buf.String(); got != exp {
		t.Fatalf("expected sink contents %q; got %q", exp, got)
	}

	if outputSink != &buf {
		t.Fatal("expected the attached sink to be retained")
	}
}

func TestSwitchingSinksDoesNotReplay(t *testing.T) {
	defer resetConsole()
	resetConsole()

	var first, second bytes.Buffer
	SetOutputSink(&first)
	Printf("seen once")

	SetOutputSink(&second)
	if second.Len() != 0 {
		t.Fatalf("expected new sink to receive nothing; got %q", second.String())
	}
}

func TestMessages(t *testing.T) {
	defer resetConsole()
	resetConsole()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Printf("first line\n")
	Printf("second line\n")

	if exp, got := "first line\nsecond line\n", string(Messages()); got != exp {
		t.Fatalf("expected messages %q; got %q", exp, got)
	}

	t.Run("retains only the most recent output", func(t *testing.T) {
		Printf("%s", strings.Repeat("x", ringBufferSize))
		Printf("tail")

		got := Messages()
		if len(got) != ringBufferSize {
			t.Fatalf("expected %d retained bytes; got %d", ringBufferSize, len(got))
		}
		if !bytes.HasSuffix(got, []byte("tail")) {
			t.Fatalf("expected retained output to end with the latest write")
		}
	})
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "EAX = %08x", uint32(0x1c))

	if exp, got := "EAX = 0000001c", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
