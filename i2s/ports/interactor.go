package ports

import (
	"fmt"
	"io"
	"sync"
)

// Interactor receives user-facing status messages from long running
// operations such as weight downloads.
type Interactor interface {
	Output(message string)
	Warning(message string)
	Error(message string, err error)
	Progress(label string, done, total int64)
}

// WriterInteractor prints messages line by line to an io.Writer.
type WriterInteractor struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterInteractor returns an Interactor writing to w.
func NewWriterInteractor(w io.Writer) *WriterInteractor {
	return &WriterInteractor{w: w}
}

func (i *WriterInteractor) Output(message string) {
	i.printf("%s\n", message)
}

func (i *WriterInteractor) Warning(message string) {
	i.printf("warning: %s\n", message)
}

func (i *WriterInteractor) Error(message string, err error) {
	i.printf("error: %s: %v\n", message, err)
}

// Progress prints "label: done/total bytes", or just the byte count when
// total is unknown.
func (i *WriterInteractor) Progress(label string, done, total int64) {
	if total > 0 {
		i.printf("%s: %d/%d bytes (%.0f%%)\n", label, done, total, float64(done)*100/float64(total))
		return
	}
	i.printf("%s: %d bytes\n", label, done)
}

func (i *WriterInteractor) printf(format string, args ...interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fmt.Fprintf(i.w, format, args...)
}

// Discard is an Interactor that drops everything.
type Discard struct{}

func (Discard) Output(string)                 {}
func (Discard) Warning(string)                {}
func (Discard) Error(string, error)           {}
func (Discard) Progress(string, int64, int64) {}
