// Package utils contains small helpers shared by the command line entrypoint.
package utils

import (
	"io"
	"sync"
)

// DeferredWriter buffers writes until Flush is called. It is used to hold log
// lines while a full screen UI owns the terminal.
//
// Each Write is kept as a separate entry so that line oriented writers, such as
// zerolog.ConsoleWriter which expects one JSON event per write, see the same
// boundaries the logger produced.
type DeferredWriter struct {
	mu      sync.Mutex
	entries [][]byte
}

// Write implements io.Writer. The slice is copied because callers may reuse it.
func (d *DeferredWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, append([]byte(nil), p...))
	return len(p), nil
}

// Len returns the number of buffered writes.
func (d *DeferredWriter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Flush replays buffered writes to w in order and empties the buffer. Entries
// after a failed write are kept for a later attempt.
func (d *DeferredWriter) Flush(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, entry := range d.entries {
		if _, err := w.Write(entry); err != nil {
			d.entries = d.entries[i:]
			return err
		}
	}
	d.entries = nil
	return nil
}
