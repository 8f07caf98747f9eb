package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/config"
	"github.com/zeusync/hotswap/internal/core/binding"
	"github.com/zeusync/hotswap/internal/core/events/bus"
	"github.com/zeusync/hotswap/internal/core/loader"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/internal/core/world"
	"github.com/zeusync/hotswap/internal/transport"
	"github.com/zeusync/hotswap/pkg/concurrent"
	"github.com/zeusync/hotswap/pkg/sequence"
)

// DefaultTickInterval is the frame length Run uses when given none.
const DefaultTickInterval = 16 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("runtime: already started")
	ErrNotStarted     = errors.New("runtime: not started")
)

// Runtime owns one world, one binding registry and the loader that feeds it,
// plus the inbound transport sources. Notifications queued by the registry and
// loader are delivered on Tick.
type Runtime struct {
	config   config.Config
	logger   log.Log
	bus      bus.EventBus
	world    *world.World
	bindings *binding.Registry
	loader   *loader.Loader
	router   *transport.Router
	sources  []transport.Source

	loaderOpts []loader.Option

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Runtime)

func WithLogger(l log.Log) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

func WithBus(b bus.EventBus) Option {
	return func(r *Runtime) {
		r.bus = b
	}
}

// WithLoaderOptions passes extra options to the loader, after the ones derived
// from the configuration.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(r *Runtime) {
		r.loaderOpts = append(r.loaderOpts, opts...)
	}
}

// New assembles a runtime from cfg. Nothing is loaded or bound until Start.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.Provide()
	}
	if r.bus == nil {
		r.bus = bus.New()
	}
	r.bus.AddObserver(&deliveryLogger{logger: r.logger.Named("bus")})

	r.world = world.New(world.WithLogger(r.logger))
	r.bindings = binding.New(
		binding.WithLogger(r.logger),
		binding.WithBus(r.bus),
		binding.WithRecycleCapacity(cfg.Bindings.RecycleCapacity),
	)
	r.loader = loader.New(r.bindings, append([]loader.Option{
		loader.WithLogger(r.logger),
		loader.WithBus(r.bus),
		loader.WithSearchPaths(cfg.Modules.SearchPaths...),
		loader.WithParallelism(cfg.Modules.Parallelism),
	}, r.loaderOpts...)...)
	r.router = transport.NewRouter(r.logger)

	tc := cfg.Transport
	if tc.WebSocket.Enabled {
		r.sources = append(r.sources, transport.NewWebSocket(r.router, tc.WebSocket.Addr, tc.WebSocket.Path,
			transport.WithLogger(r.logger), transport.WithMaxPayloadSize(tc.MaxPayloadSize)))
	}
	if tc.QUIC.Enabled {
		r.sources = append(r.sources, transport.NewQUIC(r.router, tc.QUIC.Addr, tc.QUIC.CertFile, tc.QUIC.KeyFile,
			transport.WithLogger(r.logger), transport.WithMaxPayloadSize(tc.MaxPayloadSize)))
	}
	return r, nil
}

func (r *Runtime) Config() config.Config { return r.config }
func (r *Runtime) Logger() log.Log { return r.logger }
func (r *Runtime) Bus() bus.EventBus { return r.bus }
func (r *Runtime) World() *world.World { return r.world }
func (r *Runtime) Bindings() *binding.Registry { return r.bindings }
func (r *Runtime) Loader() *loader.Loader { return r.loader }
func (r *Runtime) Router() *transport.Router { return r.router }
func (r *Runtime) Sources() []transport.Source { return r.sources }

// Start loads the configured modules in dependency order, then starts the
// file watcher and the transport sources. If any step fails everything started
// so far is torn down again.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	fail := func(err error) error {
		cancel()
		r.wg.Wait()
		r.stopSources(ctx)
		if cerr := r.loader.Close(ctx); cerr != nil {
			r.logger.Error("unload after failed start", log.Error(cerr))
		}
		return err
	}

	if load := r.config.Modules.Load; len(load) > 0 {
		handles, err := r.loader.LoadAll(ctx, load...)
		if err != nil {
			return fail(errors.Wrap(err, "load startup modules"))
		}
		r.logger.Info("startup modules loaded", log.Int("count", len(handles)))
	}

	if r.config.Modules.Watch {
		w, err := loader.NewWatcher(r.loader, r.config.Modules.StagingDir, r.config.Modules.Debounce, r.config.Modules.SearchPaths...)
		if err != nil {
			return fail(errors.Wrap(err, "start watcher"))
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = w.Run(runCtx)
		}()
	}

	err := concurrent.ForEach(ctx, sequence.From(r.sources), len(r.sources), func(ctx context.Context, src transport.Source) error {
		return errors.Wrapf(src.Start(ctx), "start %s source", src.Name())
	})
	if err != nil {
		return fail(err)
	}

	r.cancel = cancel
	r.started = true
	r.logger.Info("runtime started",
		log.Int("modules", r.loader.Resident()),
		log.Int("sources", len(r.sources)),
		log.Bool("watch", r.config.Modules.Watch),
	)
	return nil
}

// Tick delivers the notifications queued since the previous tick. It must be
// called from one goroutine at a time, normally the host's frame loop.
func (r *Runtime) Tick() error {
	return r.bus.Dispatch()
}

// Run calls Tick every interval until ctx is done. Tick errors are logged.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(); err != nil {
				r.logger.Warn("tick handlers failed", log.Error(err))
			}
		}
	}
}

// Stop shuts the sources and watcher down, unloads every module and flushes
// the notifications that produced.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrNotStarted
	}
	r.started = false

	r.cancel()
	r.wg.Wait()
	failed := r.stopSources(ctx)

	if err := r.loader.Close(ctx); err != nil {
		failed = errors.Wrap(err, "unload modules")
	}
	if err := r.bus.Dispatch(); err != nil {
		r.logger.Warn("final dispatch failed", log.Error(err))
	}
	r.logger.Info("runtime stopped", log.Int("resident", r.loader.Resident()))
	return failed
}

func (r *Runtime) stopSources(ctx context.Context) error {
	errs := concurrent.Collect(sequence.From(r.sources), len(r.sources), func(src transport.Source) error {
		return src.Stop(ctx)
	})
	var failed error
	for i, err := range errs {
		if err != nil {
			r.logger.Error("source stop failed", log.String("source", r.sources[i].Name()), log.Error(err))
			failed = err
		}
	}
	return failed
}

// deliveryLogger reports handler failures seen by the bus.
type deliveryLogger struct {
	logger log.Log
}

func (d *deliveryLogger) OnPublish(string, bus.Event) {}

func (d *deliveryLogger) OnDelivered(eventType string, handlers int, err error, durMicros int64) {
	if err == nil {
		return
	}
	d.logger.Warn("event handlers failed",
		log.String("type", eventType),
		log.Int("handlers", handlers),
		log.Int64("duration_us", durMicros),
		log.Error(err),
	)
}
