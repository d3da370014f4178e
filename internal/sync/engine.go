package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/netmon"
)

// ForceResult is what a forced sync reports back over IPC.
type ForceResult struct {
	Drain DrainResult `json:"drain"`
	Pull  PullResult  `json:"pull"`
}

type forceReq struct {
	reply chan forceReply
}

type forceReply struct {
	res ForceResult
	err error
}

// Engine owns the sync schedule. All drain and pull cycles execute on one
// loop goroutine, so a forced sync can never race the interval timers into
// double-sending an entry.
type Engine struct {
	worker  *Worker
	puller  *Puller
	net     *netmon.Monitor
	log     *zap.Logger
	cfg     config.SyncConfig
	forceCh chan forceReq
	wakeCh  chan struct{}
	cancel  context.CancelFunc
	unsub   func()
}

func NewEngine(worker *Worker, puller *Puller, net *netmon.Monitor, cfg config.SyncConfig, log *zap.Logger) *Engine {
	return &Engine{
		worker:  worker,
		puller:  puller,
		net:     net,
		log:     log,
		cfg:     cfg,
		forceCh: make(chan forceReq),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start launches the schedule loop and begins draining on connectivity
// transitions out of offline.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	if e.net != nil {
		e.unsub = e.net.AddListener(func(c netmon.Change) {
			if c.To != netmon.StatusOffline {
				e.Wake()
			}
		})
	}
	go e.loop(ctx)
}

// Stop halts the loop. An in-flight cycle finishes; remote calls carry their
// own timeout.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Wake requests a drain without waiting for the interval. Coalesced.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// ForceSync runs drain-then-pull on the loop goroutine and waits for the
// result.
func (e *Engine) ForceSync(ctx context.Context) (ForceResult, error) {
	req := forceReq{reply: make(chan forceReply, 1)}
	select {
	case e.forceCh <- req:
	case <-ctx.Done():
		return ForceResult{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return ForceResult{}, ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	drainTicker := time.NewTicker(e.cfg.DrainInterval())
	defer drainTicker.Stop()
	pullTicker := time.NewTicker(e.cfg.PullInterval())
	defer pullTicker.Stop()

	// Reconcile once at startup so a long-offline session converges without
	// waiting a full pull interval.
	if _, err := e.cycle(ctx, true); err != nil {
		e.log.Warn("startup sync failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-drainTicker.C:
			if _, err := e.cycle(ctx, false); err != nil {
				e.log.Warn("drain cycle failed", zap.Error(err))
			}
		case <-e.wakeCh:
			if _, err := e.cycle(ctx, false); err != nil {
				e.log.Warn("drain cycle failed", zap.Error(err))
			}
		case <-pullTicker.C:
			if _, err := e.puller.PullAll(ctx); err != nil {
				e.log.Warn("scheduled pull failed", zap.Error(err))
			}
		case req := <-e.forceCh:
			res, err := e.cycle(ctx, true)
			req.reply <- forceReply{res: res, err: err}
		}
	}
}

// cycle drains, then pulls when the drain moved data or the caller forced a
// full pass.
func (e *Engine) cycle(ctx context.Context, includePull bool) (ForceResult, error) {
	var res ForceResult
	res.Drain = e.worker.Drain(ctx)

	if includePull || (res.Drain.Pushed > 0 && !res.Drain.Aborted) {
		pull, err := e.puller.PullAll(ctx)
		res.Pull = pull
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
