package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type mockFetcher struct {
	status uint64
	err    error
	calls  atomic.Int32
}

func (m *mockFetcher) ReceiptStatus(ctx context.Context, txHash string) (uint64, error) {
	m.calls.Add(1)
	return m.status, m.err
}

func newTestWorker(t *testing.T, f ReceiptFetcher) (*Worker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	w := NewWorker(rdb, map[int64]ReceiptFetcher{11155111: f}, zap.NewNop())
	w.retryDelay = time.Millisecond
	w.maxAttempts = 3
	return w, rdb
}

func testJob() Job {
	return Job{
		VoucherID: "0xvoucher",
		ChainID:   11155111,
		TxHash:    "0xtx",
		Kind:      "approval",
	}
}

func dlqJobs(t *testing.T, rdb *redis.Client) []Job {
	t.Helper()
	raws, err := rdb.LRange(context.Background(), DLQKey, 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	jobs := make([]Job, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal([]byte(raw), &jobs[i]); err != nil {
			t.Fatal(err)
		}
	}
	return jobs
}

func TestProcess_Confirmed(t *testing.T) {
	f := &mockFetcher{status: 1}
	w, rdb := newTestWorker(t, f)

	w.Process(context.Background(), testJob())

	if f.calls.Load() != 1 {
		t.Errorf("fetcher calls: got %d", f.calls.Load())
	}
	if n, _ := rdb.LLen(context.Background(), QueueKey).Result(); n != 0 {
		t.Errorf("confirmed job must not be requeued, queue len=%d", n)
	}
	if len(dlqJobs(t, rdb)) != 0 {
		t.Error("confirmed job must not be parked")
	}
}

func TestProcess_RevertedGoesToDLQ(t *testing.T) {
	w, rdb := newTestWorker(t, &mockFetcher{status: 0})

	w.Process(context.Background(), testJob())

	jobs := dlqJobs(t, rdb)
	if len(jobs) != 1 {
		t.Fatalf("DLQ: got %d jobs", len(jobs))
	}
	if jobs[0].Reason != "transaction reverted" {
		t.Errorf("Reason: got %q", jobs[0].Reason)
	}
}

func TestProcess_UnminedRequeuesWithAttempt(t *testing.T) {
	w, rdb := newTestWorker(t, &mockFetcher{err: ErrReceiptNotFound})

	w.Process(context.Background(), testJob())

	// Requeue happens after retryDelay (1ms in tests).
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := rdb.LLen(context.Background(), QueueKey).Result(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was not requeued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	raws, _ := rdb.LRange(context.Background(), QueueKey, 0, -1).Result()
	var j Job
	if err := json.Unmarshal([]byte(raws[0]), &j); err != nil {
		t.Fatal(err)
	}
	if j.Attempts != 1 {
		t.Errorf("Attempts: got %d want 1", j.Attempts)
	}
}

func TestProcess_AttemptsBudgetExhausted(t *testing.T) {
	w, rdb := newTestWorker(t, &mockFetcher{err: ErrReceiptNotFound})

	j := testJob()
	j.Attempts = 2 // one below the budget of 3
	w.Process(context.Background(), j)

	jobs := dlqJobs(t, rdb)
	if len(jobs) != 1 {
		t.Fatalf("DLQ: got %d jobs", len(jobs))
	}
	if jobs[0].Reason != "transaction never mined" {
		t.Errorf("Reason: got %q", jobs[0].Reason)
	}
	if n, _ := rdb.LLen(context.Background(), QueueKey).Result(); n != 0 {
		t.Errorf("exhausted job must not be requeued, queue len=%d", n)
	}
}

func TestProcess_LookupErrorRetries(t *testing.T) {
	w, rdb := newTestWorker(t, &mockFetcher{err: errors.New("rpc: connection refused")})

	j := testJob()
	j.Attempts = 2
	w.Process(context.Background(), j)

	jobs := dlqJobs(t, rdb)
	if len(jobs) != 1 || jobs[0].Reason != "receipt lookup kept failing" {
		t.Fatalf("DLQ: got %+v", jobs)
	}
}

func TestProcess_UnknownChainParksImmediately(t *testing.T) {
	w, rdb := newTestWorker(t, &mockFetcher{status: 1})

	j := testJob()
	j.ChainID = 999
	w.Process(context.Background(), j)

	jobs := dlqJobs(t, rdb)
	if len(jobs) != 1 || jobs[0].Reason != "no rpc endpoint for chain" {
		t.Fatalf("DLQ: got %+v", jobs)
	}
}

func TestRun_ConsumesQueue(t *testing.T) {
	f := &mockFetcher{status: 1}
	w, rdb := newTestWorker(t, f)
	w.blpopTimeout = 50 * time.Millisecond

	if err := Enqueue(context.Background(), rdb, testJob()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if f.calls.Load() == 0 {
		t.Fatal("worker never processed the queued job")
	}
}
