// Package eventlog persists security events as JSON Lines files with daily
// and size-based rotation, retention cleanup and an in-memory tail.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// segmentPattern matches events-YYYY-MM-DD.jsonl and events-YYYY-MM-DD-N.jsonl.
var segmentPattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

// segment identifies one log file on disk.
type segment struct {
	name  string
	date  string
	index int
}

func parseSegment(name string) (segment, bool) {
	m := segmentPattern.FindStringSubmatch(name)
	if m == nil {
		return segment{}, false
	}
	seg := segment{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, false
		}
		seg.index = n
	}
	return seg, true
}

func segmentName(date string, index int) string {
	if index == 0 {
		return fmt.Sprintf("events-%s.jsonl", date)
	}
	return fmt.Sprintf("events-%s-%d.jsonl", date, index)
}

// Config holds configuration for the file event store.
type Config struct {
	// Dir is where log files are written. Created with 0700 if missing.
	Dir string
	// RetentionDays is how long files are kept. Default 30.
	RetentionDays int
	// MaxFileSizeMB triggers size rotation. Default 100.
	MaxFileSizeMB int
	// TailSize is the number of recent events kept in memory. Default 1000.
	TailSize int
}

// FileEventStore implements audit.EventStore on rotating JSON Lines files.
type FileEventStore struct {
	dir       string
	maxSize   int64
	retention int
	logger    *slog.Logger

	mu     sync.Mutex
	file   *os.File
	cur    segment
	size   int64
	tail   *tail
	cancel context.CancelFunc
	closed bool
}

// NewFileEventStore opens today's segment, applies retention, loads the
// tail from the newest segment and starts hourly retention cleanup.
func NewFileEventStore(cfg Config, logger *slog.Logger) (*FileEventStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileEventStore{
		dir:       cfg.Dir,
		maxSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retention: cfg.RetentionDays,
		logger:    logger,
		tail:      newTail(cfg.TailSize),
		cancel:    cancel,
	}

	today := time.Now().UTC().Format(dateLayout)
	if err := s.open(segment{date: today, index: s.highestIndex(today)}); err != nil {
		cancel()
		return nil, err
	}
	s.applyRetention()
	s.loadTail()

	go s.retentionLoop(ctx)
	return s, nil
}

// AppendSecurityEvents writes events as JSON lines, rotating by date and size.
func (s *FileEventStore) AppendSecurityEvents(ctx context.Context, events ...audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("event log closed")
	}

	for _, e := range events {
		date := e.Timestamp.UTC().Format(dateLayout)
		switch {
		case date != s.cur.date:
			if err := s.rotate(segment{date: date}); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		case s.size >= s.maxSize:
			if err := s.rotate(segment{date: s.cur.date, index: s.cur.index + 1}); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal security event: %w", err)
		}
		n, err := s.file.Write(append(line, '\n'))
		if err != nil {
			return fmt.Errorf("write security event: %w", err)
		}
		s.size += int64(n)
		s.tail.add(e)
	}
	return s.file.Sync()
}

// GetRecentSecurityEvents returns matching events from the in-memory tail, newest first.
func (s *FileEventStore) GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error) {
	limit := filter.EffectiveLimit()
	var out []audit.SecurityEvent
	for _, e := range s.tail.recent() {
		if len(out) == limit {
			break
		}
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close stops retention cleanup and closes the current segment.
func (s *FileEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// open opens seg for appending. Must be called with s.mu held or before use.
func (s *FileEventStore) open(seg segment) error {
	seg.name = segmentName(seg.date, seg.index)
	f, err := os.OpenFile(filepath.Join(s.dir, seg.name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", seg.name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat event log %s: %w", seg.name, err)
	}
	s.file = f
	s.cur = seg
	s.size = info.Size()
	return nil
}

// rotate closes the current segment and opens next. Must be called with s.mu held.
func (s *FileEventStore) rotate(next segment) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
	return s.open(next)
}

// segments lists log files in chronological order.
func (s *FileEventStore) segments() []segment {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []segment
	for _, e := range entries {
		if seg, ok := parseSegment(e.Name()); ok {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].date != out[j].date {
			return out[i].date < out[j].date
		}
		return out[i].index < out[j].index
	})
	return out
}

func (s *FileEventStore) highestIndex(date string) int {
	highest := 0
	for _, seg := range s.segments() {
		if seg.date == date && seg.index > highest {
			highest = seg.index
		}
	}
	return highest
}

// applyRetention deletes segments older than the retention period.
func (s *FileEventStore) applyRetention() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention).Format(dateLayout)
	deleted := 0
	for _, seg := range s.segments() {
		if seg.date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, seg.name)); err != nil {
			s.logger.Error("event log retention: failed to delete file", "file", seg.name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("event log retention applied", "deleted", deleted)
	}
}

func (s *FileEventStore) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.applyRetention()
		}
	}
}

// loadTail fills the in-memory tail from the newest non-empty segment.
func (s *FileEventStore) loadTail() {
	segs := s.segments()
	for i := len(segs) - 1; i >= 0; i-- {
		path := filepath.Join(s.dir, segs[i].name)
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			s.logger.Error("event log: failed to open file for tail", "file", segs[i].name, "error", err)
			return
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var e audit.SecurityEvent
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				s.logger.Warn("event log: skipping malformed line", "file", segs[i].name, "error", err)
				continue
			}
			s.tail.add(e)
		}
		if err := scanner.Err(); err != nil {
			s.logger.Error("event log: error reading file", "file", segs[i].name, "error", err)
		}
		return
	}
}

// Compile-time interface verification.
var _ audit.EventStore = (*FileEventStore)(nil)

// tail is a fixed-size ring of the most recent events.
type tail struct {
	mu      sync.RWMutex
	entries []audit.SecurityEvent
	next    int
	count   int
}

func newTail(size int) *tail {
	return &tail{entries: make([]audit.SecurityEvent, size)}
}

func (t *tail) add(e audit.SecurityEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = e
	t.next = (t.next + 1) % len(t.entries)
	if t.count < len(t.entries) {
		t.count++
	}
}

// recent returns every held event, newest first.
func (t *tail) recent() []audit.SecurityEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]audit.SecurityEvent, t.count)
	for i := range out {
		out[i] = t.entries[(t.next-1-i+len(t.entries))%len(t.entries)]
	}
	return out
}
