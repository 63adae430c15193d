package resolver

import (
	"context"

	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
)

// Subscription streams tree changes. A stream keeps the snapshot of the
// request that opened it for its whole lifetime and does not use the
// database after it is established, so transports may release the lease
// once the first event is out.
type Subscription struct{}

// TreeStatus compares the stream's pinned snapshot with the newest one.
type TreeStatus struct {
	pinned  *realm.Tree
	current *realm.Tree
}

func (s *TreeStatus) PinnedGeneration() int32  { return int32(s.pinned.Generation()) }
func (s *TreeStatus) CurrentGeneration() int32 { return int32(s.current.Generation()) }
func (s *TreeStatus) Stale() bool              { return s.current.Generation() != s.pinned.Generation() }
func (s *TreeStatus) RealmCount() int32        { return int32(s.current.Len()) }

var realmTree = Func[noArgs, <-chan *TreeStatus](func(ctx context.Context, c *reqctx.Context, _ noArgs) (<-chan *TreeStatus, error) {
	pinned := c.Tree()
	updates, stop := c.Watch()

	out := make(chan *TreeStatus, 1)
	current := c.CurrentTree()
	if current == nil {
		current = pinned
	}
	out <- &TreeStatus{pinned: pinned, current: current}

	log := c.Logger()
	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("realmTree stream closed")
				return
			case t := <-updates:
				select {
				case out <- &TreeStatus{pinned: pinned, current: t}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
})

func (Subscription) RealmTree(ctx context.Context) (<-chan *TreeStatus, error) {
	return dispatch(ctx, "realmTree", realmTree, noArgs{})
}
