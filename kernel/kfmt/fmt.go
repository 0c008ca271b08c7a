// Package kfmt implements the kernel console. Output produced before a sink
// is attached is retained in a ring buffer and replayed when the sink is set;
// the same buffer doubles as the kernel message log returned by Messages.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	mu sync.Mutex

	// messageBuffer keeps the most recent console output. Bytes that have
	// not yet reached a sink are flushed by SetOutputSink.
	messageBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output is only kept in messageBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the message buffer while no sink was attached.
func SetOutputSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	outputSink = w
	if w != nil {
		io.Copy(w, &messageBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// console sink. The output is also recorded in the message buffer.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

// Console returns an io.Writer whose output is handled exactly like the
// output of Printf.
func Console() io.Writer {
	return consoleWriter{}
}

// Messages returns a copy of the retained console output, oldest first.
func Messages() []byte {
	mu.Lock()
	defer mu.Unlock()
	return messageBuffer.Snapshot()
}

// consoleWriter routes writes to the message buffer and, when attached, the
// output sink.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()

	messageBuffer.Write(p)
	if outputSink == nil {
		return len(p), nil
	}

	// The sink has seen everything; nothing is left to replay.
	messageBuffer.Discard()
	return outputSink.Write(p)
}
