package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/quorumcast/quorumcast/internal/sequencer"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func TestAppendAndReadDeliveries(t *testing.T) {
	l := openTestLedger(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []sequencer.Entry{
		{Values: []uint64{1, 0}, BatchKey: "111", Latency: 0.4, DeliveredAt: base},
		{Values: []uint64{1, 1}, BatchKey: "222", Latency: 0.6, DeliveredAt: base.Add(time.Second)},
	}
	for _, e := range entries {
		if err := l.AppendDelivery(e); err != nil {
			t.Fatalf("AppendDelivery failed: %v", err)
		}
	}

	got, err := l.ReadDeliveries()
	if err != nil {
		t.Fatalf("ReadDeliveries failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].BatchKey != "111" || got[1].BatchKey != "222" {
		t.Errorf("records out of chronological order: %+v", got)
	}
	if got[0].VectorClockValues[0] != 1 {
		t.Errorf("vector clock values lost: %+v", got[0])
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := sequencer.Entry{
		Values:      []uint64{3},
		BatchKey:    "333",
		Latency:     1.2,
		DeliveredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := l.AppendDelivery(entry); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l.Close() //nolint:errcheck

	got, err := l.ReadDeliveries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].BatchKey != "333" {
		t.Errorf("records must survive reopen, got %+v", got)
	}
}
