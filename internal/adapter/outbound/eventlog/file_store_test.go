package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeEvent(ts time.Time, userID string, seq uint64) audit.SecurityEvent {
	return audit.SecurityEvent{
		ID:        audit.NewEventID(ts),
		Sequence:  seq,
		Type:      audit.EventAuthzDecision,
		Severity:  audit.SeverityInfo,
		UserID:    userID,
		SessionID: "sess-1",
		Details:   audit.Details{Resource: "job", Action: "read", Outcome: "ALLOW"},
		Timestamp: ts,
	}
}

func newTestStore(t *testing.T, dir string) *FileEventStore {
	t.Helper()
	store, err := NewFileEventStore(Config{Dir: dir, RetentionDays: 7, TailSize: 100}, testLogger())
	if err != nil {
		t.Fatalf("NewFileEventStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewFileEventStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "events")
	newTestStore(t, dir)

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("directory permissions = %o, want 0700", perm)
	}
}

func TestFileEventStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newTestStore(t, dir)

	now := time.Now().UTC()
	if err := store.AppendSecurityEvents(context.Background(), makeEvent(now, "u1", 1), makeEvent(now, "u2", 2)); err != nil {
		t.Fatalf("AppendSecurityEvents() error: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, segmentName(now.Format(dateLayout), 0)))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()

	var seqs []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), " ") {
			t.Error("lines must not be indented")
		}
		var e audit.SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		seqs = append(seqs, e.Sequence)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("sequences = %v, want [1 2]", seqs)
	}
}

func TestFileEventStore_DateRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newTestStore(t, dir)

	day1 := time.Now().UTC().AddDate(0, 0, -2)
	day2 := time.Now().UTC().AddDate(0, 0, -1)
	ctx := context.Background()
	if err := store.AppendSecurityEvents(ctx, makeEvent(day1, "day1", 1)); err != nil {
		t.Fatalf("append day1: %v", err)
	}
	if err := store.AppendSecurityEvents(ctx, makeEvent(day2, "day2", 2)); err != nil {
		t.Fatalf("append day2: %v", err)
	}

	for date, user := range map[string]string{day1.Format(dateLayout): "day1", day2.Format(dateLayout): "day2"} {
		data, err := os.ReadFile(filepath.Join(dir, segmentName(date, 0)))
		if err != nil {
			t.Fatalf("segment for %s missing: %v", date, err)
		}
		if !strings.Contains(string(data), user) {
			t.Errorf("segment %s should contain %s", date, user)
		}
	}
}

func TestFileEventStore_SizeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newTestStore(t, dir)
	store.maxSize = 500

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		if err := store.AppendSecurityEvents(context.Background(), makeEvent(now, fmt.Sprintf("user-%03d", i), uint64(i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, segmentName(now.Format(dateLayout), 1))); err != nil {
		t.Errorf("size-rotated segment not found: %v", err)
	}
}

func TestFileEventStore_Retention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := segmentName(time.Now().UTC().AddDate(0, 0, -10).Format(dateLayout), 0)
	oldSuffixed := segmentName(time.Now().UTC().AddDate(0, 0, -10).Format(dateLayout), 2)
	recent := segmentName(time.Now().UTC().AddDate(0, 0, -3).Format(dateLayout), 0)
	for _, name := range []string{old, oldSuffixed, recent} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	newTestStore(t, dir)

	for _, name := range []string{old, oldSuffixed} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been deleted", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, recent)); err != nil {
		t.Errorf("%s should be kept", recent)
	}
}

func TestFileEventStore_TailSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()

	first, err := NewFileEventStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileEventStore() error: %v", err)
	}
	for i := 1; i <= 3; i++ {
		_ = first.AppendSecurityEvents(context.Background(), makeEvent(now, "u1", uint64(i)))
	}
	_ = first.Close()

	second := newTestStore(t, dir)
	got, err := second.GetRecentSecurityEvents(context.Background(), audit.EventFilter{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("GetRecentSecurityEvents() error: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 3 || got[1].Sequence != 2 {
		t.Errorf("recent = %+v, want sequences [3 2]", got)
	}
}

func TestFileEventStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := store.AppendSecurityEvents(context.Background(), makeEvent(now, "u", uint64(n*10+j))); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.GetRecentSecurityEvents(context.Background(), audit.EventFilter{Limit: 1000})
	if len(got) != 100 {
		t.Errorf("tail length = %d, want 100", len(got))
	}
}

func TestFileEventStore_AppendAfterClose(t *testing.T) {
	t.Parallel()

	store, err := NewFileEventStore(Config{Dir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("NewFileEventStore() error: %v", err)
	}
	_ = store.Close()
	_ = store.Close()

	if err := store.AppendSecurityEvents(context.Background(), makeEvent(time.Now(), "u", 1)); err == nil {
		t.Error("append after close should fail")
	}
}

func TestTail_RingOverflow(t *testing.T) {
	tl := newTail(3)
	for i := 1; i <= 5; i++ {
		tl.add(audit.SecurityEvent{Sequence: uint64(i)})
	}
	got := tl.recent()
	if len(got) != 3 || got[0].Sequence != 5 || got[2].Sequence != 3 {
		t.Errorf("recent = %v, want [5 4 3]", got)
	}
}
