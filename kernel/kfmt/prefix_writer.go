package kfmt

import (
	"io"
	"sync"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Sub-systems use it to tag their
// output, e.g. "[vmm] ".
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink forwards output
	// to the kernel log.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	mu               sync.Mutex
	bytesAfterPrefix int
}

// NewPrefixWriter returns a PrefixWriter that tags each line written to sink
// with prefix.
func NewPrefixWriter(sink io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		sink                 = w.sink()
		written              int
		startIndex, curIndex int
	)

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		_, _ = sink.Write(w.Prefix)
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := sink.Write(p[startIndex : curIndex+1])
		if curIndex+1 != len(p) {
			_, _ = sink.Write(w.Prefix)
		}
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < curIndex {
		n, err := sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) sink() io.Writer {
	if w.Sink != nil {
		return w.Sink
	}
	return logWriter{}
}

// logWriter adapts Printf to io.Writer.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	Printf("%s", p)
	return len(p), nil
}
