package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-watch/models"
)

type mockWriter struct {
	mu      sync.Mutex
	batches [][]models.Discovery
	failAt  int
}

func (mw *mockWriter) WriteBatch(_ context.Context, batch []models.Discovery) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.failAt > 0 && len(mw.batches)+1 == mw.failAt {
		return errors.New("database is locked")
	}
	copyBatch := make([]models.Discovery, len(batch))
	copy(copyBatch, batch)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

func discovery(i int) models.Discovery {
	url := "https://shop.example.com/p-" + strconv.Itoa(i)
	return models.Discovery{CanonicalURL: url, URL: url, Site: "https://shop.example.com"}
}

func equalSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBatcherFlushesBySizeAndRemainder(t *testing.T) {
	writer := &mockWriter{}
	b := NewBatcher(writer, Options{BatchSize: 50, FlushInterval: time.Hour}, nil)
	b.Start(context.Background())

	for i := 0; i < 130; i++ {
		if err := b.Add(discovery(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.batchSizes(); !equalSizes(got, []int{50, 50, 30}) {
		t.Fatalf("batch sizes = %v, want [50 50 30]", got)
	}
	flushes, items := b.Stats()
	if flushes != 3 || items != 130 {
		t.Fatalf("stats = %d flushes / %d items", flushes, items)
	}

	// discovery order is preserved across batches
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.batches[1][0].URL != discovery(50).URL || writer.batches[2][29].URL != discovery(129).URL {
		t.Fatalf("batches out of order")
	}
}

func TestBatcherDiscardKeepsFlushedBatches(t *testing.T) {
	writer := &mockWriter{}
	b := NewBatcher(writer, Options{BatchSize: 50, FlushInterval: time.Hour}, nil)
	b.Start(context.Background())

	for i := 0; i < 120; i++ {
		if err := b.Add(discovery(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := b.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got := writer.batchSizes(); !equalSizes(got, []int{50, 50}) {
		t.Fatalf("batch sizes = %v, want [50 50]", got)
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	writer := &mockWriter{}
	b := NewBatcher(writer, Options{BatchSize: 50, FlushInterval: 20 * time.Millisecond}, nil)
	b.Start(context.Background())
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.Add(discovery(i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if flushes, _ := b.Stats(); flushes == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := writer.batchSizes(); !equalSizes(got, []int{3}) {
		t.Fatalf("batch sizes = %v, want [3]", got)
	}
}

func TestBatcherWriteFailureStopsAdds(t *testing.T) {
	writer := &mockWriter{failAt: 2}
	b := NewBatcher(writer, Options{BatchSize: 2, FlushInterval: time.Hour}, nil)
	b.Start(context.Background())

	var addErr error
	for i := 0; i < 100 && addErr == nil; i++ {
		addErr = b.Add(discovery(i))
		time.Sleep(time.Millisecond)
	}
	if addErr == nil {
		t.Fatalf("expected add to fail after write error")
	}
	if err := b.Close(); err == nil {
		t.Fatalf("expected close to report the write error")
	}
	if got := writer.batchSizes(); !equalSizes(got, []int{2}) {
		t.Fatalf("batch sizes = %v, want [2]", got)
	}
}

func TestBatcherAddAfterClose(t *testing.T) {
	b := NewBatcher(&mockWriter{}, Options{BatchSize: 5}, nil)
	b.Start(context.Background())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Add(discovery(1)); !errors.Is(err, ErrBatcherClosed) {
		t.Fatalf("add after close = %v, want ErrBatcherClosed", err)
	}
}
