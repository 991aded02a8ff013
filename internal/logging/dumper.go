package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Dumper writes per-request debug artifacts to disk. Each captured request
// gets its own directory named after its timestamp and request id. A nil
// Dumper is a no-op, so callers never need to guard.
type Dumper struct {
	baseDir    string
	errorsOnly bool
}

// NewDumper returns a Dumper rooted at baseDir. When errorsOnly is set, a
// capture is only flushed to disk if the request ends in an error.
func NewDumper(baseDir string, errorsOnly bool) *Dumper {
	return &Dumper{baseDir: baseDir, errorsOnly: errorsOnly}
}

// Capture accumulates artifacts for one request.
type Capture struct {
	dumper *Dumper

	mu       sync.Mutex
	id       string
	started  time.Time
	files    map[string][]byte
	failed   bool
	released bool
}

// Begin starts a capture for one inbound request.
func (d *Dumper) Begin() *Capture {
	if d == nil {
		return nil
	}
	return &Capture{
		dumper:  d,
		id:      uuid.NewString()[:8],
		started: time.Now(),
		files:   make(map[string][]byte, 6),
	}
}

// Record stores a named artifact (for example "request.json" or
// "upstream_request.json"). Safe on a nil capture.
func (c *Capture) Record(name string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.files[name] = buf
}

// Append concatenates data onto a named artifact, used for streamed bodies.
func (c *Capture) Append(name string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.files[name] = append(c.files[name], data...)
}

// Fail records an error descriptor and marks the capture as failed.
func (c *Capture) Fail(err error) {
	if c == nil || err == nil {
		return
	}
	desc, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"time":  time.Now().Format(time.RFC3339),
	})
	c.Record("error.json", desc)
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
}

// Close flushes the capture to disk according to the dumper's mode.
func (c *Capture) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true

	if c.dumper.errorsOnly && !c.failed {
		return
	}

	dir := filepath.Join(c.dumper.baseDir, c.started.Format("20060102-150405")+"-"+c.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("debug dumper: create %s: %v", dir, err)
		return
	}
	for name, data := range c.files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			log.Warnf("debug dumper: write %s: %v", name, err)
		}
	}
}
