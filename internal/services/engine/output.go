package engine

import (
	"bytes"
	"sync"
)

const defaultOutputLines = 200

// outputBuffer captures the tail of a child process's combined output as
// lines. It implements io.Writer and is safe for concurrent use; stdout
// and stderr of the child both write here.
type outputBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial bytes.Buffer
	max     int
}

func newOutputBuffer(maxLines int) *outputBuffer {
	if maxLines <= 0 {
		maxLines = defaultOutputLines
	}
	return &outputBuffer{max: maxLines}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		if c == '\n' {
			b.lines = append(b.lines, b.partial.String())
			b.partial.Reset()
			if len(b.lines) > b.max {
				b.lines = b.lines[len(b.lines)-b.max:]
			}
			continue
		}
		b.partial.WriteByte(c)
	}
	return len(p), nil
}

// Lines returns a copy of the captured output tail, including any
// unterminated final line.
func (b *outputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.lines)+1)
	out = append(out, b.lines...)
	if b.partial.Len() > 0 {
		out = append(out, b.partial.String())
	}
	return out
}
