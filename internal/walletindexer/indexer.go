// Package walletindexer implements the Wallet Indexer (C6): a periodic
// fan-out over active wallets that streams each wallet's unseen
// transactions, tests them against the wallet's viewing key, and records
// the relevant ones. See §4.6 of the specification.
package walletindexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/config"
	"github.com/midnight-ntwrk/midnight-indexer/internal/eventbus"
	"github.com/midnight-ntwrk/midnight-indexer/internal/indexstore"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/metrics"
	"github.com/midnight-ntwrk/midnight-indexer/pkg/logging"
)

// cycleTickDivisor bounds how often the cycle-until-deadline phase
// re-dispatches the cached active-wallet set: once every
// active_wallets_query_delay/cycleTickDivisor, floored at cycleTickFloor.
// Re-dispatching is cheap for caught-up wallets thanks to the
// max_transaction_id fast path, so this keeps hot wallets saturated
// without a second database round trip per tick (§4.6 "Active-wallet
// emission").
const cycleTickDivisor = 5

const cycleTickFloor = 10 * time.Millisecond

// Deps wires the Wallet Indexer to the rest of the process.
type Deps struct {
	Index   *indexstore.Store
	Bus     *eventbus.Bus
	Metrics *metrics.Metrics
	Config  config.WalletIndexerConfig
}

// WalletIndexer is the single emitter task plus its bounded worker pool.
// One WalletIndexer runs for the lifetime of the process.
type WalletIndexer struct {
	deps Deps
	log  *logging.Logger

	// locks holds one *semaphore.Weighted(1) per wallet id, for the
	// capacity-1 mutual-exclusion guarantee of §5 "Per-wallet mutual
	// exclusion". Entries persist for the process lifetime.
	locks sync.Map

	maxTransactionID atomic.Uint64
}

// New constructs a WalletIndexer.
func New(deps Deps) *WalletIndexer {
	return &WalletIndexer{deps: deps, log: logging.GetDefault().Component("walletindexer")}
}

// Run executes the active-wallet emission loop of §4.6 until ctx is
// cancelled. It alternates a one-shot pass (every active wallet emitted
// exactly once) with a cycle-until-deadline phase that keeps re-dispatching
// the same wallet set for active_wallets_query_delay before the next
// database query.
func (w *WalletIndexer) Run(ctx context.Context) error {
	blockSub, unsub := w.deps.Bus.SubscribeBlocks()
	defer unsub()
	go w.trackMaxTransactionID(ctx, blockSub)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		ids, err := w.deps.Index.ActiveWalletIDs(ctx, w.deps.Config.ActiveWalletsTTL, time.Now())
		if err != nil {
			return fmt.Errorf("list active wallets: %w", err)
		}
		if w.deps.Metrics != nil {
			w.deps.Metrics.ActiveWalletCount.Set(float64(len(ids)))
		}

		if err := w.dispatch(ctx, ids); err != nil {
			return err
		}

		if err := w.cycleUntilDeadline(ctx, ids, w.deps.Config.ActiveWalletsQueryDelay); err != nil {
			return err
		}

		if w.deps.Metrics != nil {
			w.deps.Metrics.WalletCycleDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// cycleUntilDeadline re-dispatches ids on a fixed tick until delay has
// elapsed, without requerying the active-wallet set.
func (w *WalletIndexer) cycleUntilDeadline(ctx context.Context, ids []string, delay time.Duration) error {
	if delay <= 0 || len(ids) == 0 {
		return nil
	}
	tick := delay / cycleTickDivisor
	if tick < cycleTickFloor {
		tick = cycleTickFloor
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.dispatch(ctx, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// trackMaxTransactionID feeds the shared AtomicU64 from BlockIndexed
// events, letting processWallet skip the database for wallets already
// caught up with every committed block (§4.6 "A shared AtomicU64
// max_transaction_id...").
func (w *WalletIndexer) trackMaxTransactionID(ctx context.Context, sub <-chan eventbus.BlockIndexed) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.MaxTransactionID == nil {
				continue
			}
			v := uint64(*evt.MaxTransactionID)
			for {
				cur := w.maxTransactionID.Load()
				if v <= cur {
					break
				}
				if w.maxTransactionID.CompareAndSwap(cur, v) {
					break
				}
			}
		}
	}
}

// dispatch runs processWallet for every id in a bounded concurrent worker
// pool of size concurrency_limit (§4.6 "Fan-out model"). A per-wallet
// failure is logged and skipped rather than failing the whole cycle; only
// context cancellation stops the pool early.
func (w *WalletIndexer) dispatch(ctx context.Context, ids []string) error {
	limit := w.deps.Config.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		walletID := id
		g.Go(func() error {
			defer sem.Release(1)
			if err := w.processWallet(gctx, walletID); err != nil {
				w.log.Error("wallet indexing step failed", "wallet_id", walletID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// processWallet runs the five-step per-wallet procedure of §4.6 for one
// wallet id.
func (w *WalletIndexer) processWallet(ctx context.Context, walletID string) error {
	lockAny, _ := w.locks.LoadOrStore(walletID, semaphore.NewWeighted(1))
	lock := lockAny.(*semaphore.Weighted)
	if !lock.TryAcquire(1) {
		// Busy: another worker is already indexing this wallet. Skipped
		// this cycle per §5 "try_acquire is non-blocking" (invariant 6).
		return nil
	}
	defer lock.Release(1)

	wallet, err := w.deps.Index.GetWalletByID(ctx, walletID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	if wallet.LastIndexedTransactionID >= w.maxTransactionID.Load() {
		// DB-skip fast path: nothing has been committed past what this
		// wallet has already seen.
		return nil
	}

	// The batch is read before AcquireLock opens its transaction: the index
	// store has a single connection, which that transaction then holds.
	batch, err := w.deps.Index.GetTransactions(ctx, wallet.LastIndexedTransactionID, w.deps.Config.TransactionBatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	tx, ok, err := w.deps.Index.AcquireLock(ctx, walletID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	defer tx.Rollback()

	var relevant []uint64
	for _, t := range batch {
		decoded, err := ledgerfacade.DeserializeTransaction(t.Raw, t.Hash, t.ProtocolVersion)
		if err != nil {
			return err
		}
		if decoded.Relevant(wallet.ViewingKeyHash) {
			relevant = append(relevant, t.ID)
		}
	}
	newCursor := batch[len(batch)-1].ID

	if err := w.deps.Index.SaveRelevantTransactions(ctx, tx, walletID, relevant, newCursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if len(relevant) > 0 {
		if w.deps.Metrics != nil {
			w.deps.Metrics.WalletsIndexedTotal.Inc()
		}
		if w.deps.Bus != nil {
			w.deps.Bus.PublishWalletIndexed(eventbus.WalletIndexed{
				SessionID: ledgerfacade.DeriveSessionID(wallet.ViewingKeyHash),
			})
		}
	}
	return nil
}
