// Package daemon wires the registry store, event log, context monitors,
// scheduler, and upcall router into the single-threaded cooperative
// event loop of spec §5: monitors run in their own goroutines and emit
// onto one shared channel, consumed by exactly one goroutine that owns
// every registry mutation, scheduler run, and upcall dispatch. This is
// the teacher's Orchestrator.Start/ingestLoop/Stop shape (per-ingester
// goroutines feeding one ingest loop) reshaped from log ingestion to
// context-event ingestion, with monitor supervision done through
// errgroup.WithContext the way internal/index/build.go supervises a
// parallel indexer fan-out.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"murmeltier/internal/eventlog"
	"murmeltier/internal/home"
	"murmeltier/internal/logging"
	"murmeltier/internal/monitor"
	"murmeltier/internal/registry"
	"murmeltier/internal/registry/sqlite"
	"murmeltier/internal/scheduler"
	"murmeltier/internal/sysmetrics"
	"murmeltier/internal/transport"
	"murmeltier/internal/upcall"
)

// eventQueueSize bounds the shared monitor-event channel. The event loop
// drains it far faster than any monitor produces events (seconds-scale
// polling and debounced signals), so this only needs to absorb a brief
// burst, not steady-state throughput.
const eventQueueSize = 64

// httpShutdownGrace bounds how long Stop waits for in-flight HTTP
// requests to finish before the listener is forced closed.
const httpShutdownGrace = 5 * time.Second

// Config supplies everything Daemon needs to construct its dependencies.
// Zero-value Probe/BatteryReader/IdleSource/StartHint fields fall back to
// this platform's real implementations (or a null object where no real
// implementation is wired), so a caller only needs to override what a
// test or alternate build actually wants to fake.
type Config struct {
	Home home.Dir
	Log  *slog.Logger

	NetworkProbe  monitor.Probe
	BatteryReader monitor.BatteryReader
	IdleSource    monitor.IdleSource
	StartHint     upcall.StartHint

	// HTTPAddr, if non-empty, starts the reference net/http transport
	// binding listening on this address (spec §6's external interface).
	// Left empty, the daemon still runs everything but exposes no RPC
	// surface of its own — the shape an in-process embedder would want.
	HTTPAddr string

	// Now overrides time.Now, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Daemon owns the registry store, per-component event logs, context
// monitors, scheduler, upcall router, and (optionally) the HTTP
// transport server, and runs them all under the single-instance lock of
// spec §5.
type Daemon struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	store       *sqlite.Store
	daemonLog   *eventlog.Logger
	networkLog  *eventlog.Logger
	batteryLog  *eventlog.Logger
	activityLog *eventlog.Logger

	network  *monitor.NetworkMonitor
	battery  *monitor.BatteryMonitor
	activity *monitor.UserActivityMonitor
	shutdown *monitor.ShutdownMonitor

	router     *upcall.Router
	sched      *scheduler.Scheduler
	dispatcher *transport.Dispatcher
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	events  chan monitor.Event
}

// New opens the home directory's databases and constructs every
// component, but starts nothing. Call Start to begin running.
func New(cfg Config) (*Daemon, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logging.Default(cfg.Log).With("component", "daemon")

	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.Home.ConfigPath(), log)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening registry: %w", err)
	}

	daemonLog, err := eventlog.Open(cfg.Home.LogPath("daemon"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: opening daemon event log: %w", err)
	}
	networkLog, err := eventlog.Open(cfg.Home.LogPath("network"))
	if err != nil {
		store.Close()
		daemonLog.Close()
		return nil, fmt.Errorf("daemon: opening network event log: %w", err)
	}
	batteryLog, err := eventlog.Open(cfg.Home.LogPath("battery"))
	if err != nil {
		store.Close()
		daemonLog.Close()
		networkLog.Close()
		return nil, fmt.Errorf("daemon: opening battery event log: %w", err)
	}
	activityLog, err := eventlog.Open(cfg.Home.LogPath("useractivity"))
	if err != nil {
		store.Close()
		daemonLog.Close()
		networkLog.Close()
		batteryLog.Close()
		return nil, fmt.Errorf("daemon: opening activity event log: %w", err)
	}

	probe := cfg.NetworkProbe
	if probe == nil {
		probe = monitor.LinuxProbe{}
	}
	networkMon := monitor.NewNetworkMonitor(probe)
	batteryMon := monitor.NewBatteryMonitor(batteryReaderOrDefault(cfg.BatteryReader))
	activityMon := monitor.NewUserActivityMonitor(cfg.IdleSource)
	shutdownMon := monitor.NewShutdownMonitor()

	router := upcall.New(store, cfg.StartHint, log)
	sched, err := scheduler.New(store, router, networkMon, activityMon, log, cfg.Now)
	if err != nil {
		store.Close()
		daemonLog.Close()
		networkLog.Close()
		batteryLog.Close()
		activityLog.Close()
		return nil, fmt.Errorf("daemon: constructing scheduler: %w", err)
	}

	dispatcher := transport.New(store, router, log)
	dispatcher.SetEventLog(daemonLog)

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		now:         cfg.Now,
		store:       store,
		daemonLog:   daemonLog,
		networkLog:  networkLog,
		batteryLog:  batteryLog,
		activityLog: activityLog,
		network:     networkMon,
		battery:     batteryMon,
		activity:    activityMon,
		shutdown:    shutdownMon,
		router:      router,
		sched:       sched,
		dispatcher:  dispatcher,
		events:      make(chan monitor.Event, eventQueueSize),
	}
	if cfg.HTTPAddr != "" {
		d.httpServer = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: transport.NewServer(dispatcher, log),
		}
	}
	return d, nil
}

func batteryReaderOrDefault(r monitor.BatteryReader) monitor.BatteryReader {
	if r != nil {
		return r
	}
	return monitor.NewSysfsBatteryReader()
}

// Store exposes the registry store, for a transport binding or CLI
// command that needs direct access alongside the daemon's own dispatcher.
func (d *Daemon) Store() registry.Store { return d.store }

// Dispatcher exposes the RPC namespace dispatcher.
func (d *Daemon) Dispatcher() *transport.Dispatcher { return d.dispatcher }

// Start claims the single-instance lock (spec §5 "Scoped acquisition"),
// then launches the four context monitors, the scheduler, the optional
// HTTP transport, and the event loop. Start returns once everything is
// launched; it does not block for the daemon's lifetime — call Wait for
// that.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon: already running")
	}

	if err := acquireLock(ctx, d.store, d.now); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return d.network.Run(gctx, d.events) })
	g.Go(func() error { return d.battery.Run(gctx, d.events) })
	g.Go(func() error { return d.activity.Run(gctx, d.events) })
	g.Go(func() error { return d.shutdown.Run(gctx, d.events) })

	if d.httpServer != nil {
		g.Go(func() error {
			err := d.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer cancel()
			return d.httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := d.sched.Start(gctx); err != nil {
		cancel()
		d.store.Unlock(context.Background())
		return fmt.Errorf("daemon: starting scheduler: %w", err)
	}

	done := make(chan struct{})
	g.Go(func() error {
		d.eventLoop(gctx, cancel)
		return nil
	})

	d.cancel = cancel
	d.group = g
	d.done = done
	d.running = true

	go func() {
		g.Wait()
		close(done)
	}()

	d.daemonLog.Append(eventlog.TableSystem, d.now(), map[string]any{
		"event": "started", "cpu_percent": sysmetrics.CPUPercent(), "memory_inuse_bytes": sysmetrics.MemoryInuse(),
	})
	d.log.Info("daemon started", "http_addr", d.cfg.HTTPAddr)
	return nil
}

// Wait blocks until the daemon stops running, whether from an internal
// shutdown event, a monitor failure, or an external Stop call.
func (d *Daemon) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels every background goroutine, waits for them to exit,
// releases the single-instance lock (spec §5 "released on orderly
// shutdown"), and closes the registry store and event logs.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	g := d.group
	d.mu.Unlock()

	cancel()
	err := g.Wait()

	if serr := d.sched.Stop(); serr != nil && err == nil {
		err = serr
	}
	if uerr := d.store.Unlock(context.Background()); uerr != nil && err == nil {
		err = uerr
	}
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	for _, l := range []*eventlog.Logger{d.daemonLog, d.networkLog, d.batteryLog, d.activityLog} {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.Info("daemon stopped")
	return err
}

// eventLoop is the one goroutine spec §5 permits to own registry
// mutation, scheduler runs, and upcall dispatch (besides the event log's
// own flush goroutine). It drains monitor events until ctx is cancelled
// or a Shutdown event requests an orderly stop.
func (d *Daemon) eventLoop(ctx context.Context, requestStop context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
			if ev.Kind == monitor.EventShutdown {
				requestStop()
				return
			}
		}
	}
}

func (d *Daemon) handleEvent(ctx context.Context, ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventDefaultConnectionChanged:
		c := ev.DefaultConnectionChanged
		fields := map[string]any{
			"old_connection": c.OldConnectionID, "new_connection": c.NewConnectionID,
		}
		if rx, tx, ok := d.network.ConnectionBytes(c.NewConnectionID); ok {
			fields["rx_bytes"], fields["tx_bytes"] = rx, tx
		}
		d.networkLog.Append(eventlog.TableConnectionStats, ev.Time, fields)
		d.sched.Trigger(ctx, "default-connection-changed")

	case monitor.EventAccessPointFound:
		a := ev.AccessPointFound
		d.networkLog.Append(eventlog.TableAccessPointScan, ev.Time, map[string]any{
			"ssid": a.SSID, "network_type": a.NetworkType, "signal_dbm": a.SignalDBM,
		})

	case monitor.EventScanComplete:
		d.networkLog.Append(eventlog.TableAccessPointScan, ev.Time, map[string]any{
			"scan_complete": true,
		})

	case monitor.EventUserIdleActive:
		u := ev.UserIdleActive
		d.activityLog.Append(eventlog.TableUserActivity, ev.Time, map[string]any{
			"new_state": u.NewState.String(), "time_in_previous_state_ms": u.TimeInPreviousState.Milliseconds(),
		})
		d.sched.OnUserTransition(ctx, *u)

	case monitor.EventBatteryStatus:
		b := ev.BatteryStatus
		d.batteryLog.Append(eventlog.TableBatteryLog, ev.Time, map[string]any{
			"battery": b.Battery, "is_charging": b.New.IsCharging, "is_discharging": b.New.IsDischarging,
			"millivolts": b.New.Millivolts, "milliamp_hours": b.New.MilliampHours, "charger": b.New.Charger.String(),
		})

	case monitor.EventShutdown:
		d.daemonLog.Append(eventlog.TableSystem, ev.Time, map[string]any{
			"event": "shutdown", "reason": ev.Shutdown.Reason.String(),
			"cpu_percent": sysmetrics.CPUPercent(), "memory_inuse_bytes": sysmetrics.MemoryInuse(),
		})
		d.log.Info("shutdown requested", "reason", ev.Shutdown.Reason)
	}
}
