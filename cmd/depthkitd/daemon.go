package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/depthkit/internal/calibration"
	"github.com/banshee-data/depthkit/internal/config"
	"github.com/banshee-data/depthkit/internal/db"
	"github.com/banshee-data/depthkit/internal/depthnet"
	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/health"
	"github.com/banshee-data/depthkit/internal/monitor"
	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/sensor"
	"github.com/banshee-data/depthkit/internal/serialmux"
	"github.com/banshee-data/depthkit/internal/stream"
	"github.com/banshee-data/depthkit/internal/task"
	"github.com/banshee-data/depthkit/internal/version"
)

// reprobeInterval is how long the daemon waits between Initialize attempts
// while no sensor answers.
const reprobeInterval = 5 * time.Second

type daemonOptions struct {
	// Stream is applied every time the sensor connects. nil leaves the
	// sensor idle until a client starts it.
	Stream stream.Request
	// Replay feeds a pcap capture to the assembler instead of listening on
	// the frame link.
	Replay string
	// SyncPlot, when set, receives a PNG of the frame sync deltas on
	// shutdown.
	SyncPlot    string
	BackupDir   string
	BackupsKept int
}

type daemon struct {
	cfg  *config.DriverConfig
	opts daemonOptions
	db   *db.DB
	link serialmux.SerialMuxInterface

	metrics  *monitoring.Metrics
	ctrl     *sensor.Controller
	asm      *depthnet.Assembler
	frames   *depthnet.Listener
	exec     *task.Executor
	health   *health.Server
	mon      *monitor.Monitor
	mux      *http.ServeMux
	server   *http.Server
	adminLis net.Listener

	disconnected chan struct{}
	wg           sync.WaitGroup
}

func newDaemon(cfg *config.DriverConfig, database *db.DB, link serialmux.SerialMuxInterface, opts daemonOptions) (*daemon, error) {
	metrics, err := monitoring.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	d := &daemon{
		cfg:          cfg,
		opts:         opts,
		db:           database,
		link:         link,
		metrics:      metrics,
		disconnected: make(chan struct{}, 1),
	}
	d.ctrl = sensor.NewController(link, sensor.Options{
		HostModel: cfg.GetHostModel(),
		Sync: framesync.Config{
			Tolerance: cfg.GetSyncTolerance(),
			Capacity:  cfg.GetColorBufferCapacity(),
		},
		ColorIntrinsics: cfg.GetColorIntrinsics(),
		Calibration:     calibration.NewStore(database),
		Metrics:         metrics,
	})
	d.asm = depthnet.NewAssembler(d.ctrl.Pool(), d.ctrl, metrics)
	d.frames = depthnet.NewListener(depthnet.ListenerConfig{
		Address:     cfg.GetFrameListen(),
		RcvBuf:      cfg.GetUDPRcvBuf(),
		LogInterval: cfg.GetStatsInterval(),
		Assembler:   d.asm,
		Metrics:     metrics,
	})
	d.exec = task.NewExecutor(task.WithHistory(database), task.WithMetrics(metrics))
	d.health = health.NewServer(cfg.GetGRPCListen())
	d.mon = monitor.New(d.ctrl, monitor.Options{
		MinMM: float32(cfg.GetDepthMinMM()),
		MaxMM: float32(cfg.GetDepthMaxMM()),
	})
	d.ctrl.SetObserver(d.observer())

	if err := d.routes(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) observer() *sensor.Observer {
	return &sensor.Observer{
		Connected: func() { d.health.SetConnected(true) },
		Disconnected: func() {
			d.health.SetConnected(false)
			d.asm.Reset()
			select {
			case d.disconnected <- struct{}{}:
			default:
			}
		},
		StoppedStreaming: func(r sensor.StopReason) { log.Printf("streaming stopped: %s", r) },
		EnteredLowPower:  func() { log.Printf("sensor entered low power") },
		LeftLowPower:     func() { log.Printf("sensor left low power") },
		BatteryNeedsCharging: func() {
			log.Printf("sensor battery needs charging (%d%%)", d.ctrl.BatteryChargePercentage())
		},
	}
}

func (d *daemon) routes() error {
	d.mux = http.NewServeMux()
	d.link.AttachAdminRoutes(d.mux)
	if err := d.db.AttachAdminRoutes(d.mux); err != nil {
		return err
	}
	d.exec.AttachAdminRoutes(d.mux, d.db, task.Jobs{
		"backup": d.db.BackupTask(d.opts.BackupDir, d.opts.BackupsKept),
	})
	d.mon.AttachAdminRoutes(d.mux)
	d.mux.Handle("/metrics", d.metrics.Handler())

	debug := tsweb.Debugger(d.mux)
	debug.KV("Version", version.Get().String())
	debug.KVFunc("Sensor", func() any { return d.ctrl.State().String() })
	debug.Handle("sensor", "Sensor state, stream and calibration (JSON)", d.ctrl.StatusHandler())
	return nil
}

// start binds every listener and launches the background routines. It
// returns once the daemon is serving.
func (d *daemon) start(ctx context.Context) error {
	lis, err := net.Listen("tcp", d.cfg.GetAdminListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.GetAdminListen(), err)
	}
	d.adminLis = lis
	d.server = &http.Server{Handler: d.mux}
	if d.cfg.GetGRPCListen() != "" {
		if err := d.health.Start(); err != nil {
			lis.Close()
			return err
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Printf("admin server listening on %s", lis.Addr())
		if err := d.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin server error: %v", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor control link: %v", err)
		}
		log.Print("control link monitor terminated")
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("controller stopped: %v", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runFrames(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.probeLoop(ctx)
	}()
	return nil
}

func (d *daemon) runFrames(ctx context.Context) {
	if d.opts.Replay == "" {
		if err := d.frames.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("frame listener stopped: %v", err)
		}
		return
	}

	// Frames replayed before the stream starts would be dropped.
	for d.ctrl.State() != sensor.StateStreaming {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	f, err := os.Open(d.opts.Replay)
	if err != nil {
		log.Printf("failed to open replay: %v", err)
		return
	}
	defer f.Close()
	st, err := depthnet.Replay(ctx, f, d.asm, depthnet.ReplayConfig{Speed: 1})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("replay failed: %v", err)
	}
	log.Printf("replayed %d packets into %d frames (%d rejected)", st.Packets, st.Frames, st.Rejected)
}

// probeLoop initializes the sensor, applies the configured stream and
// re-probes after every disconnect. The controller itself never retries.
func (d *daemon) probeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.GetProbeTimeout())
		st := d.ctrl.Initialize(probeCtx)
		cancel()

		if !st.CanStream() {
			log.Printf("sensor initialize: %s", st)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reprobeInterval):
			}
			continue
		}

		if d.opts.Stream != nil {
			if err := d.ctrl.StartStreaming(d.opts.Stream); err != nil {
				log.Printf("failed to start streaming: %v", err)
			} else {
				log.Printf("streaming %s", d.ctrl.Status().Config)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-d.disconnected:
			log.Printf("sensor disconnected, probing again")
		}
	}
}

// shutdown stops streaming and every server, then waits for the background
// routines. ctx must already be cancelled.
func (d *daemon) shutdown() {
	d.ctrl.StopStreaming()

	if d.opts.SyncPlot != "" {
		if err := d.mon.SaveSyncPlot(d.opts.SyncPlot); err != nil {
			log.Printf("failed to save sync plot: %v", err)
		} else {
			log.Printf("sync plot written to %s", d.opts.SyncPlot)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.exec.Shutdown(shutdownCtx); err != nil {
		log.Printf("task executor shutdown: %v", err)
	}
	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin server shutdown error: %v", err)
			if err := d.server.Close(); err != nil {
				log.Printf("admin server force close error: %v", err)
			}
		}
	}
	d.health.Stop()
	if err := d.link.Close(); err != nil {
		log.Printf("control link close: %v", err)
	}
	d.wg.Wait()
}

// run serves until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Printf("shutting down...")
	d.shutdown()
	log.Printf("graceful shutdown complete")
	return nil
}
