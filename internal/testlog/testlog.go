// Package testlog routes slog output through testing.T so log lines appear
// next to the test that produced them, and records them for assertions.
package testlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type shared struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

// Bridge is an slog.Handler writing text records to t.Log.
type Bridge struct {
	slog.Handler
	t  testing.TB
	sh *shared
}

func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.sh.mu.Lock()
	defer b.sh.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(&b.sh.buf)
	if err != nil {
		return err
	}
	line := string(bytes.TrimSuffix(output, []byte("\n")))
	b.sh.lines = append(b.sh.lines, line)
	b.t.Helper()
	b.t.Log(line)
	return nil
}

func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{t: b.t, sh: b.sh, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{t: b.t, sh: b.sh, Handler: b.Handler.WithGroup(name)}
}

// Lines returns every record logged so far.
func (b *Bridge) Lines() []string {
	b.sh.mu.Lock()
	defer b.sh.mu.Unlock()
	return append([]string(nil), b.sh.lines...)
}

// Contains reports whether any line contains all of parts.
func (b *Bridge) Contains(parts ...string) bool {
	for _, l := range b.Lines() {
		ok := true
		for _, p := range parts {
			if !strings.Contains(l, p) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// New returns a debug-level logger bridged to t, and the bridge.
func New(t testing.TB) (*slog.Logger, *Bridge) {
	sh := &shared{}
	b := &Bridge{t: t, sh: sh}
	b.Handler = slog.NewTextHandler(&sh.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(b), b
}
