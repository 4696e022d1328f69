package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	tr := &Trail{
		path:    filepath.Join(t.TempDir(), "audit.jsonl"),
		capB:    50 << 20,
		maxKeep: 3,
	}
	if err := tr.reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return tr
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, r)
	}
	return out
}

func TestNilTrailIsSafe(t *testing.T) {
	var tr *Trail
	tr.Record(EventWorkerStart, "", nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
	if tr.Lost() != -1 {
		t.Fatalf("nil Lost() = %d, want -1", tr.Lost())
	}
}

func TestRecordWritesHashedLine(t *testing.T) {
	tr := newTestTrail(t)
	tr.Record(EventWorkerStart, "", map[string]any{"version": "1.0"})
	tr.Close()

	recs := readRecords(t, tr.path)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Event != EventWorkerStart {
		t.Fatalf("event = %q, want %q", r.Event, EventWorkerStart)
	}
	if r.Prev != "" {
		t.Fatalf("first record prev = %q, want empty", r.Prev)
	}
	if r.Hash == "" {
		t.Fatal("record hash is empty")
	}

	// Recomputing the hash over the stored record must reproduce it.
	want, err := r.chain()
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if want != r.Hash {
		t.Fatalf("stored hash %q does not verify (recomputed %q)", r.Hash, want)
	}
}

func TestChainLinksEachRecord(t *testing.T) {
	tr := newTestTrail(t)
	tr.Record(EventWorkerStart, "", nil)
	tr.Record(EventSessionRequested, "sess-1", map[string]any{"origin": "rest"})
	tr.Record(EventSessionStarted, "sess-1", nil)
	tr.Close()

	recs := readRecords(t, tr.path)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Prev != recs[i-1].Hash {
			t.Fatalf("record %d prev = %q, want %q", i, recs[i].Prev, recs[i-1].Hash)
		}
	}
}

func TestChainSurvivesRollover(t *testing.T) {
	tr := newTestTrail(t)
	tr.capB = 300 // force frequent rollovers

	for i := 0; i < 12; i++ {
		tr.Record(EventSessionRequested, "sess-x", map[string]any{"i": i})
	}
	tr.Close()

	archives, err := filepath.Glob(tr.path + ".*")
	if err != nil || len(archives) == 0 {
		t.Fatalf("expected archived trail files, got %v (err %v)", archives, err)
	}

	current := readRecords(t, tr.path)
	if len(current) == 0 {
		t.Fatal("no records in current trail after rollover")
	}
	if current[0].Prev == "" {
		t.Fatal("first record after rollover should link into the archived chain")
	}

	// The newest archive's last record must be what the current file's
	// first record links to.
	newest := archives[len(archives)-1]
	archived := readRecords(t, newest)
	if len(archived) == 0 {
		t.Fatalf("archive %s is empty", newest)
	}
	if current[0].Prev != archived[len(archived)-1].Hash {
		t.Fatalf("cross-file link broken: current prev %q, archive tail %q",
			current[0].Prev, archived[len(archived)-1].Hash)
	}
}

func TestRolloverPrunesOldArchives(t *testing.T) {
	tr := newTestTrail(t)
	tr.capB = 200
	tr.maxKeep = 2

	for i := 0; i < 40; i++ {
		tr.Record(EventSessionRequested, "sess-x", map[string]any{"i": i})
	}
	tr.Close()

	archives, _ := filepath.Glob(tr.path + ".*")
	if len(archives) > 2 {
		t.Fatalf("expected at most 2 archives, got %d: %v", len(archives), archives)
	}
}

func TestLostCountsFailedWrites(t *testing.T) {
	tr := newTestTrail(t)

	// Swap the handle for a read-only one so the next write fails.
	tr.out.Close()
	ro, err := os.Open(tr.path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	tr.out = ro
	defer ro.Close()

	tr.Record(EventSessionRequested, "sess-1", nil)
	if got := tr.Lost(); got != 1 {
		t.Fatalf("Lost() = %d, want 1", got)
	}
}

func TestTamperIsDetectable(t *testing.T) {
	tr := newTestTrail(t)
	tr.Record(EventSessionStarted, "sess-1", map[string]any{"mode": "stream"})
	tr.Close()

	recs := readRecords(t, tr.path)
	r := recs[0]
	r.Session = "sess-2" // simulate an edited line

	recomputed, err := r.chain()
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if recomputed == r.Hash {
		t.Fatal("edited record still verifies; hash must cover the session field")
	}
}
