package node

import (
	"context"
	"errors"
	"time"

	"autognosis/internal/config"
	"autognosis/internal/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Run drives the node until ctx is done or Stop is called. The scheduler,
// the transport receiver, the config watcher and the HTTP server run as one
// errgroup; the first failure stops them all.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	n.running = true
	n.cancel = cancel
	n.done = make(chan struct{})
	done := n.done
	n.mu.Unlock()

	defer func() {
		cancel()
		n.mu.Lock()
		n.running = false
		n.cancel = nil
		n.mu.Unlock()
		close(done)
	}()

	logging.Boot("node %d running (tick %s)", n.id, n.tickInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.schedule(gctx) })
	g.Go(func() error { return n.receive(gctx) })
	if n.watcher != nil {
		g.Go(func() error { return n.watcher.Run(gctx) })
	}
	if n.server != nil {
		g.Go(func() error { return n.server.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Boot("node %d stopped after %d cycles", n.id, n.Cycles())
	return err
}

// schedule ticks at most once per interval. The limiter is rebuilt when a
// reload changes the interval.
func (n *Node) schedule(ctx context.Context) error {
	interval := n.tickInterval()
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.Tick(ctx)
		if next := n.tickInterval(); next != interval {
			interval = next
			limiter.SetLimit(rate.Every(interval))
			logging.SchedulerDebug("tick interval now %s", interval)
		}
	}
}

// receive moves transport traffic onto the inbound queue drained by Tick.
func (n *Node) receive(ctx context.Context) error {
	inbox := n.tx.Inbox()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-inbox:
			n.enqueue(data)
		}
	}
}

func (n *Node) enqueue(data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.inbound) >= maxInbound {
		n.dropped++
		return
	}
	n.inbound = append(n.inbound, data)
}

// drainInbound takes the queued traffic plus whatever is already waiting
// in the transport inbox, so ticks driven outside Run still see peers.
func (n *Node) drainInbound() [][]byte {
	n.mu.Lock()
	out := n.inbound
	n.inbound = nil
	n.mu.Unlock()

	inbox := n.tx.Inbox()
	for {
		select {
		case data := <-inbox:
			out = append(out, data)
		default:
			return out
		}
	}
}

func (n *Node) tickInterval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.interval
}

// ApplyConfig stages cfg. Tuning takes effect at the next tick boundary;
// identity, transport and storage settings need a restart.
func (n *Node) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	n.mu.Lock()
	n.pending = cfg
	n.mu.Unlock()
}

func (n *Node) applyPending() {
	n.mu.Lock()
	cfg := n.pending
	n.pending = nil
	n.mu.Unlock()
	if cfg == nil {
		return
	}

	if cfg.Node.ID != n.id || cfg.Node.Transport != n.cfg.Node.Transport {
		logging.BootWarn("config reload: node id and transport changes need a restart")
	}
	n.agency.SetConfig(cfg.Agency)
	n.homeo.SetTuning(cfg.Homeostasis)
	logging.Reconfigure(cfg.Logging.Options())

	n.mu.Lock()
	n.interval = cfg.GetTickInterval()
	n.mu.Unlock()
	logging.Boot("config reload applied")
}

// Healthy reports whether the scheduler has ticked recently.
func (n *Node) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running || n.lastTick.IsZero() {
		return false
	}
	return n.now().Sub(n.lastTick) <= 3*n.interval
}

// Stop halts the scheduler, persists knowledge and rule statistics, and
// releases owned resources in reverse construction order. It is safe to
// call more than once; later calls return the first result.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		cancel, done := n.cancel, n.done
		n.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelPersist()
		var errs []error
		if err := n.Persist(ctx); err != nil {
			logging.StoreError("persist on stop: %v", err)
			errs = append(errs, err)
		}
		if n.status != nil {
			if err := n.status.Remove(ctx, n.id); err != nil {
				logging.StoreError("remove status: %v", err)
			}
		}
		if err := n.release(); err != nil {
			errs = append(errs, err)
		}
		n.stopErr = errors.Join(errs...)
		logging.Boot("node %d stopped", n.id)
	})
	return n.stopErr
}
