// Package confirm tracks the on-chain transactions referenced by moderation
// and redemption calls. Those calls accept a tx hash on trust; this worker
// follows up, fetches the receipt and flags transactions that never landed
// or reverted, so operators notice a voucher whose recorded approval or
// redemption has no on-chain backing.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	QueueKey = "confirm:queue"
	DLQKey   = "confirm:dlq"

	defaultMaxAttempts  = 10
	defaultBLPopTimeout = 5 * time.Second
	defaultRetryDelay   = 6 * time.Second
)

// ErrReceiptNotFound is returned by a ReceiptFetcher while the transaction
// is still unmined (or was dropped).
var ErrReceiptNotFound = errors.New("receipt not found")

// ReceiptFetcher resolves a transaction hash to its receipt status
// (1 success, 0 reverted).
type ReceiptFetcher interface {
	ReceiptStatus(ctx context.Context, txHash string) (uint64, error)
}

// Job is one transaction to confirm.
type Job struct {
	VoucherID string `json:"voucherId"`
	ChainID   int64  `json:"chainId"`
	TxHash    string `json:"txHash"`
	Kind      string `json:"kind"` // "approval" or "redemption"
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"` // set when parked in the DLQ
}

// Enqueue queues txHash for confirmation.
func Enqueue(ctx context.Context, rdb *redis.Client, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return rdb.RPush(ctx, QueueKey, string(raw)).Err()
}

// Worker consumes the confirmation queue.
type Worker struct {
	rdb      *redis.Client
	fetchers map[int64]ReceiptFetcher
	log      *zap.Logger

	maxAttempts  int
	blpopTimeout time.Duration
	retryDelay   time.Duration
}

func NewWorker(rdb *redis.Client, fetchers map[int64]ReceiptFetcher, log *zap.Logger) *Worker {
	return &Worker{
		rdb:          rdb,
		fetchers:     fetchers,
		log:          log,
		maxAttempts:  defaultMaxAttempts,
		blpopTimeout: defaultBLPopTimeout,
		retryDelay:   defaultRetryDelay,
	}
}

// Run is the main loop: BLPOP a job, check the receipt, then acknowledge,
// requeue or park it. Returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("confirmation worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("confirmation worker stopped")
			return
		}

		results, err := w.rdb.BLPop(ctx, w.blpopTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // timeout, loop back
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error("confirm: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var j Job
		if err := json.Unmarshal([]byte(results[1]), &j); err != nil {
			w.log.Error("confirm: bad job payload", zap.String("raw", results[1]), zap.Error(err))
			continue
		}
		w.Process(ctx, j)
	}
}

// Process handles one job. Exported for tests; Run calls it per pop.
func (w *Worker) Process(ctx context.Context, j Job) {
	fetcher, ok := w.fetchers[j.ChainID]
	if !ok {
		w.park(ctx, j, "no rpc endpoint for chain")
		return
	}

	status, err := fetcher.ReceiptStatus(ctx, j.TxHash)
	switch {
	case errors.Is(err, ErrReceiptNotFound):
		j.Attempts++
		if j.Attempts >= w.maxAttempts {
			w.park(ctx, j, "transaction never mined")
			return
		}
		w.requeueLater(ctx, j)

	case err != nil:
		w.log.Error("confirm: receipt lookup failed",
			zap.String("voucher", j.VoucherID),
			zap.String("tx", j.TxHash),
			zap.Error(err),
		)
		j.Attempts++
		if j.Attempts >= w.maxAttempts {
			w.park(ctx, j, "receipt lookup kept failing")
			return
		}
		w.requeueLater(ctx, j)

	case status == 0:
		w.park(ctx, j, "transaction reverted")

	default:
		w.log.Info("transaction confirmed",
			zap.String("voucher", j.VoucherID),
			zap.String("kind", j.Kind),
			zap.String("tx", j.TxHash),
		)
	}
}

// requeueLater pushes the job back after a delay so a pending transaction
// gets time to mine before the next attempt.
func (w *Worker) requeueLater(ctx context.Context, j Job) {
	raw, _ := json.Marshal(j)
	go func() {
		select {
		case <-ctx.Done():
			// Shutdown: push immediately so the job survives in Redis.
		case <-time.After(w.retryDelay):
		}
		if err := w.rdb.RPush(context.Background(), QueueKey, string(raw)).Err(); err != nil {
			w.log.Error("confirm: requeue failed", zap.String("voucher", j.VoucherID), zap.Error(err))
		}
	}()
}

func (w *Worker) park(ctx context.Context, j Job, reason string) {
	j.Reason = reason
	raw, _ := json.Marshal(j)
	if err := w.rdb.RPush(ctx, DLQKey, string(raw)).Err(); err != nil {
		w.log.Error("confirm: DLQ push failed", zap.String("voucher", j.VoucherID), zap.Error(err))
		return
	}
	w.log.Error("transaction parked for review",
		zap.String("voucher", j.VoucherID),
		zap.String("kind", j.Kind),
		zap.String("tx", j.TxHash),
		zap.String("reason", reason),
	)
}
