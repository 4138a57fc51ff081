package sandbox

import (
	"io"
	"strings"
	"sync"
)

// Capture holds the stdout and stderr buffers of one environment.
type Capture struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

// NewCapture returns empty buffers.
func NewCapture() *Capture { return &Capture{} }

// Println appends msg and a newline to stdout, as print() does.
func (c *Capture) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout.WriteString(msg)
	c.stdout.WriteByte('\n')
}

// Stdout returns a writer appending to the stdout buffer.
func (c *Capture) Stdout() io.Writer { return captureWriter{c, &c.stdout} }

// Stderr returns a writer appending to the stderr buffer.
func (c *Capture) Stderr() io.Writer { return captureWriter{c, &c.stderr} }

// Strings returns the accumulated output.
func (c *Capture) Strings() (stdout, stderr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String()
}

type captureWriter struct {
	c   *Capture
	buf *strings.Builder
}

func (w captureWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.buf.Write(p)
}
