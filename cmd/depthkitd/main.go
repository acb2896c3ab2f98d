// Command depthkitd drives a depth sensor: it owns the control link, receives
// frames on the frame link, and serves admin, metrics and health endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/depthkit/internal/config"
	"github.com/banshee-data/depthkit/internal/db"
	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/security"
	"github.com/banshee-data/depthkit/internal/serialmux"
	"github.com/banshee-data/depthkit/internal/stream"
	"github.com/banshee-data/depthkit/internal/version"
)

var (
	configPath  = flag.String("config", "", "Driver config JSON file (built-in defaults when empty)")
	dbPath      = flag.String("db-path", "", "Override db_path")
	serialPort  = flag.String("serial-port", "", "Override serial_port; empty emulates the control link")
	listen      = flag.String("listen", "", "Override admin_listen")
	frameListen = flag.String("frame-listen", "", "Override frame_listen")
	streamJSON  = flag.String("stream", "", `Stream request applied on connect, e.g. {"streamMode":"Depth640x480"}`)
	replay      = flag.String("replay", "", "Replay a pcap capture of the frame link instead of listening")
	importCal   = flag.String("import-calibration", "", "Import calibration records from a JSON file and exit")
	syncPlot    = flag.String("sync-plot", "", "Write a frame sync plot here on shutdown (.png, .svg, .pdf)")
	backupDir   = flag.String("backup-dir", "backups", "Directory for database backups started from /debug/tasks")
	debug       = flag.Bool("debug", false, "Log per-frame diagnostics to stderr")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: depthkitd [flags]\n       depthkitd migrate [-db-path path] <command>\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(runMigrate(os.Args[2:]))
	}
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("depthkitd", version.Get())
		return
	}
	if *debug {
		monitoring.SetDebugLogger(os.Stderr)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	req, err := parseStreamRequest(*streamJSON)
	if err != nil {
		log.Fatalf("invalid -stream: %v", err)
	}
	if *syncPlot != "" {
		if err := security.CheckOutputFile(*syncPlot); err != nil {
			log.Fatalf("invalid -sync-plot: %v", err)
		}
	}
	if *replay != "" {
		if err := security.CheckInputFile(*replay); err != nil {
			log.Fatalf("invalid -replay: %v", err)
		}
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if *importCal != "" {
		n, err := importCalibrations(database, *importCal)
		if err != nil {
			log.Fatalf("failed to import calibrations: %v", err)
		}
		log.Printf("imported %d calibration record(s) from %s", n, *importCal)
		return
	}

	var link serialmux.SerialMuxInterface
	if port := cfg.GetSerialPort(); port != "" {
		link, err = serialmux.NewRealSerialMux(port, cfg.GetSerialOptions())
		if err != nil {
			log.Fatalf("failed to open control link: %v", err)
		}
		log.Printf("control link on %s (%s)", port, cfg.GetSerialOptions())
	} else {
		el := newEmulatedLink("depthkit-emulated", "EMU0000")
		link = el
		log.Printf("no serial port configured, using %s", el)
	}

	d, err := newDaemon(cfg, database, link, daemonOptions{
		Stream:      req,
		Replay:      *replay,
		SyncPlot:    *syncPlot,
		BackupDir:   *backupDir,
		BackupsKept: 5,
	})
	if err != nil {
		log.Fatalf("failed to set up daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.run(ctx); err != nil {
		log.Fatalf("depthkitd: %v", err)
	}
}

// loadConfig reads -config (or an empty config) and applies flag overrides.
func loadConfig() (*config.DriverConfig, error) {
	cfg := config.EmptyDriverConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadDriverConfig(*configPath); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg, *dbPath, *serialPort, *listen, *frameListen)
	return cfg, cfg.Validate()
}

func applyOverrides(cfg *config.DriverConfig, dbPath, serialPort, adminListen, frameListen string) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.DBPath, dbPath)
	set(&cfg.SerialPort, serialPort)
	set(&cfg.AdminListen, adminListen)
	set(&cfg.FrameListen, frameListen)
}

// parseStreamRequest decodes a JSON stream request and validates it up front
// so a typo fails at startup rather than on every connect.
func parseStreamRequest(s string) (stream.Request, error) {
	if s == "" {
		return nil, nil
	}
	var req stream.Request
	if err := json.Unmarshal([]byte(s), &req); err != nil {
		return nil, err
	}
	if _, err := stream.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

func importCalibrations(database *db.DB, path string) (int, error) {
	if err := security.CheckInputFile(path); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return database.ImportCalibrations(context.Background(), f, "import:"+path)
}

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	path := fs.String("db-path", config.EmptyDriverConfig().GetDBPath(), "Database to migrate")
	fs.Usage = func() { db.PrintMigrateHelp(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout)
	switch {
	case errors.Is(err, db.ErrUsage):
		db.PrintMigrateHelp(os.Stderr)
		return 2
	case err != nil:
		log.Printf("migrate: %v", err)
		return 1
	}
	return 0
}
