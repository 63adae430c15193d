package realm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/portal/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// LoadFunc produces a fresh snapshot stamped with generation.
type LoadFunc func(ctx context.Context, generation uint64) (*Tree, error)

// ErrNoTree is returned while no snapshot has ever been built successfully.
var ErrNoTree = errors.New("realm tree not loaded")

const (
	defaultRebuildTimeout = 30 * time.Second
	// failedRetryDelay is how long readers keep using the previous snapshot
	// after a failed rebuild before they trigger another attempt.
	failedRetryDelay = time.Second
)

// Holder owns the current snapshot and replaces it wholesale.
//
// Readers take the snapshot pointer once and keep it; swapping never touches
// a published Tree. Rebuild requests are counted. Fresh only returns a
// snapshot that was loaded after every request counted so far, which is how a
// committed structural mutation becomes visible to the next request. Loads are
// coalesced and run on a detached context, so cancelling the request that
// happened to trigger one does not abort it. A failed load leaves the
// previous snapshot in place.
type Holder struct {
	current atomic.Pointer[Tree]
	load    LoadFunc
	flight  singleflight.Group
	timeout time.Duration

	requested atomic.Uint64 // rebuild requests so far
	satisfied atomic.Uint64 // highest request count covered by an installed snapshot
	nextGen   atomic.Uint64

	failMu    sync.Mutex
	failedFor uint64
	failedAt  time.Time

	watchMu  sync.Mutex
	watchers map[int]chan *Tree
	nextID   int

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHolder returns a Holder without a snapshot. The first call to Reload
// or Fresh loads one.
func NewHolder(load LoadFunc, m *metrics.Metrics, log zerolog.Logger) *Holder {
	return &Holder{
		load:     load,
		timeout:  defaultRebuildTimeout,
		watchers: make(map[int]chan *Tree),
		metrics:  m,
		log:      log,
	}
}

// Current returns the installed snapshot, or nil before the first load.
// It never waits for pending rebuilds.
func (h *Holder) Current() *Tree {
	return h.current.Load()
}

// Reload loads a new snapshot now and returns it. Unlike Fresh it reports a
// failed load to the caller. Used at startup, where a failure is fatal.
func (h *Holder) Reload(ctx context.Context) (*Tree, error) {
	want := h.requested.Add(1)
	for h.satisfied.Load() < want {
		if _, err := h.await(ctx); err != nil {
			return nil, err
		}
	}
	return h.current.Load(), nil
}

// Schedule records that realm structure changed and starts a rebuild in the
// background. Contexts created after Schedule returns see the change.
func (h *Holder) Schedule(reason string) {
	want := h.requested.Add(1)
	h.log.Debug().Str("reason", reason).Uint64("request", want).Msg("realm tree rebuild scheduled")
	go func() {
		for h.satisfied.Load() < want {
			if _, err := h.await(context.Background()); err != nil {
				return
			}
		}
	}()
}

// Fresh returns a snapshot that reflects every rebuild scheduled so far. If
// the rebuild fails, the previous snapshot is returned instead; an error is
// only returned when there is no snapshot at all or ctx ends first.
func (h *Holder) Fresh(ctx context.Context) (*Tree, error) {
	for {
		want := h.requested.Load()
		// satisfied is stored after the install, so load it first.
		sat := h.satisfied.Load()
		cur := h.current.Load()
		if cur != nil && sat >= want {
			return cur, nil
		}
		if cur != nil && h.recentlyFailed(want) {
			return cur, nil
		}
		if _, err := h.await(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if cur := h.current.Load(); cur != nil {
				return cur, nil
			}
			return nil, errors.Join(ErrNoTree, err)
		}
	}
}

// Run rebuilds the tree every interval until ctx is done. Failures are
// logged and the previous snapshot stays in place.
func (h *Holder) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = h.await(ctx) // failure already logged by rebuild
		}
	}
}

// Watch returns a channel that receives every newly installed snapshot.
// Slow receivers only see the latest one. The returned func unregisters.
func (h *Holder) Watch() (<-chan *Tree, func()) {
	ch := make(chan *Tree, 1)
	h.watchMu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = ch
	h.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.watchMu.Lock()
			delete(h.watchers, id)
			h.watchMu.Unlock()
		})
	}
}

func (h *Holder) await(ctx context.Context) (*Tree, error) {
	ch := h.flight.DoChan("rebuild", func() (any, error) {
		return h.rebuild()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tree), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// rebuild runs inside the single flight.
func (h *Holder) rebuild() (*Tree, error) {
	target := h.requested.Load()
	gen := h.nextGen.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	start := time.Now()
	t, err := h.load(ctx, gen)
	took := time.Since(start)
	if err != nil {
		h.metrics.ObserveRebuild(err, took, 0, gen)
		h.failMu.Lock()
		h.failedFor, h.failedAt = target, time.Now()
		h.failMu.Unlock()
		h.log.Error().Err(err).Uint64("generation", gen).Dur("took", took).
			Msg("realm tree rebuild failed, previous snapshot stays in effect")
		return nil, err
	}
	h.metrics.ObserveRebuild(nil, took, t.Len(), gen)

	h.install(t)
	for {
		sat := h.satisfied.Load()
		if sat >= target || h.satisfied.CompareAndSwap(sat, target) {
			break
		}
	}
	h.log.Info().Uint64("generation", gen).Int("realms", t.Len()).Dur("took", took).
		Msg("realm tree installed")
	return t, nil
}

func (h *Holder) install(t *Tree) {
	h.current.Store(t)

	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- t:
		default:
			// Replace the stale snapshot nobody picked up yet.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
}

func (h *Holder) recentlyFailed(want uint64) bool {
	h.failMu.Lock()
	defer h.failMu.Unlock()
	return h.failedFor >= want && time.Since(h.failedAt) < failedRetryDelay
}
