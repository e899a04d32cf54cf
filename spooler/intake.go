package spooler

import (
	"context"
	"strings"
	"sync"
)

// IntakeGate suspends the claiming of new files. Batches already in flight
// are not affected.
type IntakeGate struct {
	mu     sync.Mutex
	open   bool
	reason string
	ready  chan struct{}
}

func NewIntakeGate() *IntakeGate {
	ready := make(chan struct{})
	close(ready)
	return &IntakeGate{open: true, ready: ready}
}

// Close suspends intake. It reports whether the gate was open before.
func (g *IntakeGate) Close(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return false
	}
	g.open = false
	g.reason = reason
	g.ready = make(chan struct{})
	return true
}

// Open resumes intake. It reports whether the gate was closed before.
func (g *IntakeGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return false
	}
	g.open = true
	g.reason = ""
	close(g.ready)
	return true
}

// Suspended reports whether intake is suspended, and why.
func (g *IntakeGate) Suspended() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.open, g.reason
}

// Wait blocks until the gate is open or ctx ends.
func (g *IntakeGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaturationPolicy decides whether storage is saturated. writeErr is the
// error of the last failed write, or nil when probing.
type SaturationPolicy interface {
	Saturated(ctx context.Context, writeErr error) (bool, string)
}

// StoragePolicy treats lock contention, a full disk and a store above the
// high watermark as saturation.
type StoragePolicy struct {
	HighWatermark int64
	Size          func(ctx context.Context) (int64, error)
}

var saturationMarkers = []string{
	"database is locked",
	"sqlite_busy",
	"database or disk is full",
	"sqlite_full",
	"no space left on device",
}

func (p StoragePolicy) Saturated(ctx context.Context, writeErr error) (bool, string) {
	if writeErr != nil {
		msg := strings.ToLower(writeErr.Error())
		for _, m := range saturationMarkers {
			if strings.Contains(msg, m) {
				return true, m
			}
		}
	}
	if p.HighWatermark > 0 && p.Size != nil {
		if size, err := p.Size(ctx); err == nil && size > p.HighWatermark {
			return true, "storage above high watermark"
		}
	}
	return false, ""
}
