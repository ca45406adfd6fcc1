// Package honeypot tails the deception endpoint's newline-delimited
// JSON log and emits parsed events. The tail is a polling reader that
// survives log rotation and truncation; malformed lines are skipped.
package honeypot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// DefaultPollInterval is how often the tailer looks for new data.
const DefaultPollInterval = time.Second

// Config tunes the tailer. Zero values fall back to the defaults.
type Config struct {
	PollInterval time.Duration
}

// Tailer follows one log file. Events are delivered on the channel
// returned by Events, which closes when the context ends.
type Tailer struct {
	path string
	poll time.Duration
	out  chan domain.HoneypotEvent

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial []byte

	warnedMissing bool
}

// New creates a tailer for the file at path. The file does not need to
// exist yet; it is picked up on the poll after it appears.
func New(path string, cfg Config) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Tailer{
		path: path,
		poll: cfg.PollInterval,
		out:  make(chan domain.HoneypotEvent, 64),
	}
}

// Events returns the delivery channel.
func (t *Tailer) Events() <-chan domain.HoneypotEvent { return t.out }

// Start begins tailing until ctx is cancelled.
func (t *Tailer) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.out)
	defer t.closeFile()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		t.scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan drains whatever is readable right now and handles rotation:
// when the path points at a different file than the open handle, the
// old handle is drained one last time before switching over.
func (t *Tailer) scan(ctx context.Context) {
	if err := t.ensureOpen(); err != nil {
		return
	}

	rotated := false
	if cur, err := os.Stat(t.path); err == nil {
		if !os.SameFile(cur, t.info) {
			rotated = true
		} else if cur.Size() < t.offset {
			// Truncated in place: start over.
			if _, err := t.file.Seek(0, io.SeekStart); err != nil {
				t.closeFile()
				return
			}
			t.offset = 0
			t.partial = nil
			t.reader.Reset(t.file)
		}
	}

	t.drain(ctx)

	if rotated {
		t.closeFile()
		if err := t.ensureOpen(); err != nil {
			return
		}
		t.drain(ctx)
	}
}

func (t *Tailer) ensureOpen() error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		if !t.warnedMissing {
			slog.Warn("Honeypot log not readable yet", "path", t.path, "error", err)
			t.warnedMissing = true
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.info = info
	t.reader = bufio.NewReader(f)
	t.offset = 0
	t.partial = nil
	t.warnedMissing = false
	slog.Info("Honeypot log opened", "path", t.path)
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
		t.info = nil
	}
}

// drain reads complete lines until EOF. A trailing fragment without a
// newline is kept and completed on a later poll.
func (t *Tailer) drain(ctx context.Context) {
	for {
		chunk, err := t.reader.ReadBytes('\n')
		t.offset += int64(len(chunk))

		if err != nil {
			if len(chunk) > 0 {
				t.partial = append(t.partial, chunk...)
			}
			if err != io.EOF {
				slog.Warn("Honeypot log read failed", "path", t.path, "error", err)
				t.closeFile()
			}
			return
		}

		line := chunk
		if len(t.partial) > 0 {
			line = append(t.partial, chunk...)
			t.partial = nil
		}
		if ev, ok := parseLine(line); ok {
			select {
			case t.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseLine decodes one NDJSON record. Records that are not JSON, lack
// an event ID or carry no source IP are dropped.
func parseLine(line []byte) (domain.HoneypotEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return domain.HoneypotEvent{}, false
	}
	var ev domain.HoneypotEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		slog.Debug("Skipping malformed honeypot record", "error", err)
		return domain.HoneypotEvent{}, false
	}
	if ev.EventID == "" || ev.SrcIP == "" {
		return domain.HoneypotEvent{}, false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, true
}
