// Package tail follows the telemetry log across rotations and feeds decoded
// records to the interpreter.
package tail

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/interpret"
	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/model"
	"github.com/mesh-observer/telemetry-hub/internal/telemetry"
)

const (
	existPollInterval = time.Second
	readIdleSleep     = 100 * time.Millisecond
)

// Tailer follows one telemetry log file. Rotation is detected by comparing
// the open file against a fresh stat of the path; when they diverge the file
// is reopened from the start.
type Tailer struct {
	path   string
	interp *interpret.Interpreter
	sink   func(*model.Event)
	log    *zap.Logger

	lastRecordNS atomic.Int64
}

// New creates a tailer. sink receives every realtime-eligible event and must
// not block.
func New(path string, interp *interpret.Interpreter, sink func(*model.Event), log *zap.Logger) *Tailer {
	return &Tailer{path: path, interp: interp, sink: sink, log: log}
}

// LastRecordTime returns when the tailer last handed a record to the
// interpreter. Zero before the first record.
func (t *Tailer) LastRecordTime() time.Time {
	ns := t.lastRecordNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run tails the log until ctx is done. The file not existing yet is not an
// error; the tailer waits for it.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		if err := t.waitForFile(ctx); err != nil {
			return err
		}
		if err := t.followOnce(ctx); err != nil {
			return err
		}
	}
}

func (t *Tailer) waitForFile(ctx context.Context) error {
	ticker := time.NewTicker(existPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(t.path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// followOnce opens the file, seeks to the end and reads until rotation or the
// file disappears. Returns nil on rotation so Run reopens.
func (t *Tailer) followOnce(ctx context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		// Lost the race with rotation; go back to waiting.
		t.log.Warn("telemetry log vanished before open", zap.Error(err))
		return nil
	}
	defer f.Close()

	opened, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek %s: %w", t.path, err)
	}
	t.log.Info("tailing telemetry log", zap.String("path", t.path))

	reader := bufio.NewReader(f)
	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current, err := os.Stat(t.path)
		if err != nil {
			t.log.Info("telemetry log disappeared, waiting for new file")
			return nil
		}
		if !os.SameFile(opened, current) {
			metrics.LogRotationsTotal.Inc()
			t.log.Info("telemetry log rotated, reopening")
			return nil
		}

		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err != nil {
			// At EOF with a partial line buffered; wait for the writer.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readIdleSleep):
			}
			continue
		}

		t.processLine(pending, true, 0, "live")
		pending = pending[:0]
	}
}

// processLine decodes one JSONL batch and applies its records. historyCutoff
// of zero stores all history-eligible events; otherwise only records at or
// after the cutoff reach the history buffer.
func (t *Tailer) processLine(line []byte, broadcast bool, historyCutoff int64, source string) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	records, err := telemetry.DecodeBatch([]byte(trimmed))
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("envelope").Inc()
		t.log.Debug("skipping undecodable line", zap.Error(err))
		return
	}
	for i := range records {
		rec := &records[i]
		storeHistory := historyCutoff == 0 || rec.Timestamp >= historyCutoff
		ev := t.interp.Process(rec, storeHistory)
		metrics.RecordsProcessedTotal.WithLabelValues(source).Inc()
		t.lastRecordNS.Store(time.Now().UnixNano())
		if rec.Timestamp > 0 {
			metrics.LastRecordTimestamp.Set(float64(rec.Timestamp) / 1e9)
		}
		if broadcast && ev != nil && interpret.RealtimeEventTypes[ev.EventType] && t.sink != nil {
			t.sink(ev)
		}
	}
}

// LoadStats summarizes a warm start.
type LoadStats struct {
	Files   int
	Records int
}

// LoadInitial replays existing telemetry to rebuild state before tailing:
// rotated siblings first when enabled, then the live file. Events older than
// the history window update state without entering the history buffer, and
// nothing is broadcast.
func (t *Tailer) LoadInitial(ctx context.Context, replayRotated bool, maxHistoryAge time.Duration) (LoadStats, error) {
	var stats LoadStats
	historyCutoff := time.Now().Add(-maxHistoryAge).UnixNano()

	if replayRotated {
		for _, sibling := range t.rotatedSiblings() {
			n, err := t.replayFile(ctx, sibling, historyCutoff)
			if err != nil {
				t.log.Warn("skipping rotated log", zap.String("path", sibling), zap.Error(err))
				continue
			}
			stats.Files++
			stats.Records += n
		}
	}

	if _, err := os.Stat(t.path); err == nil {
		n, err := t.replayFile(ctx, t.path, historyCutoff)
		if err != nil {
			return stats, err
		}
		stats.Files++
		stats.Records += n
	}
	return stats, nil
}

// rotatedSiblings lists rotated variants of the log path, oldest first, so
// replay applies records in rough chronological order.
func (t *Tailer) rotatedSiblings() []string {
	matches, err := filepath.Glob(t.path + ".*")
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (t *Tailer) replayFile(ctx context.Context, path string, historyCutoff int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("opening gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	count := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
		t.processLine(scanner.Bytes(), false, historyCutoff, "replay")
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading %s: %w", path, err)
	}
	return count, nil
}
