// Package activity collects timing spans for one client operation. A Collector
// travels in the context of the call it observes; there is no process-wide
// instance.
package activity

import (
	"context"
	"sync"
	"time"
)

type Span struct {
	Op       string
	Provider int
	Start    time.Time
	Elapsed  time.Duration
	Bytes    int64
	Err      string
}

// Collector keeps the most recent spans in a bounded ring.
type Collector struct {
	mu   sync.Mutex
	buf  []Span
	next int
	full bool
}

func New(size int) *Collector {
	if size <= 0 {
		size = 256
	}
	return &Collector{buf: make([]Span, size)}
}

// Add records s. A nil Collector drops it.
func (c *Collector) Add(s Span) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf[c.next] = s
	c.next++
	if c.next >= len(c.buf) {
		c.next = 0
		c.full = true
	}
}

// List returns the retained spans, oldest first.
func (c *Collector) List() []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full {
		out := make([]Span, 0, len(c.buf))
		out = append(out, c.buf[c.next:]...)
		return append(out, c.buf[:c.next]...)
	}
	return append([]Span(nil), c.buf[:c.next]...)
}

// Total sums elapsed time and bytes over the retained spans of op; an empty op
// matches every span.
func (c *Collector) Total(op string) (time.Duration, int64) {
	var (
		d time.Duration
		n int64
	)
	for _, s := range c.List() {
		if op == "" || s.Op == op {
			d += s.Elapsed
			n += s.Bytes
		}
	}
	return d, n
}

type ctxKey struct{}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(ctxKey{}).(*Collector)
	return c
}

// Begin starts a span for op against provider. The returned func ends it; it
// is a no-op when ctx carries no Collector.
func Begin(ctx context.Context, op string, provider int) func(bytes int64, err error) {
	c := FromContext(ctx)
	if c == nil {
		return func(int64, error) {}
	}
	start := time.Now()
	return func(bytes int64, err error) {
		s := Span{Op: op, Provider: provider, Start: start, Elapsed: time.Since(start), Bytes: bytes}
		if err != nil {
			s.Err = err.Error()
		}
		c.Add(s)
	}
}
