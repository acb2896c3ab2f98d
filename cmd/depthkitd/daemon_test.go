package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/depthkit/internal/config"
	"github.com/banshee-data/depthkit/internal/db"
	"github.com/banshee-data/depthkit/internal/sensor"
	"github.com/banshee-data/depthkit/internal/stream"
	"github.com/banshee-data/depthkit/internal/testutil"
)

func testConfig(t *testing.T) *config.DriverConfig {
	t.Helper()
	cfg := config.EmptyDriverConfig()
	applyOverrides(cfg, filepath.Join(t.TempDir(), "depthkit.db"), "", "127.0.0.1:0", "127.0.0.1:0")
	grpcAddr := "127.0.0.1:0"
	cfg.GRPCListen = &grpcAddr
	require.NoError(t, cfg.Validate())
	return cfg
}

func countSent(link *emulatedLink, prefix string) int {
	n := 0
	for _, c := range link.Sent() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	database, err := db.NewDB(cfg.GetDBPath())
	require.NoError(t, err)
	defer database.Close()

	link := newEmulatedLink("test-sensor", "EMU0001")
	plot := filepath.Join(t.TempDir(), "sync.png")
	d, err := newDaemon(cfg, database, link, daemonOptions{
		Stream:      stream.Request{stream.KeyStreamMode: "Depth320x240"},
		SyncPlot:    plot,
		BackupDir:   t.TempDir(),
		BackupsKept: 2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.start(ctx))
	stopped := false
	defer func() {
		if !stopped {
			cancel()
			d.shutdown()
		}
	}()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return d.ctrl.State() == sensor.StateStreaming
	}, "daemon should connect and start streaming")

	base := "http://" + d.adminLis.Addr().String()
	resp, err := http.Get(base + "/debug/sensor")
	require.NoError(t, err)
	var st sensor.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, "streaming", st.State)
	assert.Equal(t, "EMU0001", st.Device.Serial)
	require.NotNil(t, st.Config)
	assert.Equal(t, stream.Depth320x240, st.Config.Mode)

	for _, path := range []string{"/metrics", "/debug/tasks", "/debug/sync"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	}

	conn, err := grpc.NewClient(d.health.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	hr, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hr.GetStatus())

	// A detach is followed by a fresh probe and the stream is reapplied.
	link.Inject("EVT detached")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return countSent(link, "STREAM START") == 2 && d.ctrl.State() == sensor.StateStreaming
	}, "daemon should re-probe and restart the stream after a detach")
	assert.Equal(t, 2, countSent(link, "HELLO"))

	cancel()
	d.shutdown()
	stopped = true

	assert.Equal(t, sensor.StateConnected, d.ctrl.State())
	_, err = os.Stat(plot)
	assert.NoError(t, err, "sync plot is written on shutdown")
}

func TestEmulatedLinkAnswers(t *testing.T) {
	link := newEmulatedLink("sim", "SIM1")
	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)

	for _, tc := range []struct{ cmd, want string }{
		{"HELLO", "HELLO name=sim serial=SIM1 fw=emulated hw=emulated power=ready"},
		{"BAT?", "BAT 100"},
		{"STREAM START mode=0 holefilter=0 highgain=0", "ACK STREAM START mode=0 holefilter=0 highgain=0"},
		{"GAIN 1", "ACK GAIN 1"},
	} {
		require.NoError(t, link.SendCommand(tc.cmd))
		select {
		case got := <-lines:
			assert.Equal(t, tc.want, got)
		case <-time.After(time.Second):
			t.Fatalf("no reply to %q", tc.cmd)
		}
	}

	require.NoError(t, link.Close())
	assert.Error(t, link.SendCommand("HELLO"))
}

func TestParseStreamRequest(t *testing.T) {
	req, err := parseStreamRequest("")
	require.NoError(t, err)
	assert.Nil(t, req)

	req, err = parseStreamRequest(`{"streamMode":"Depth640x480","frameSyncMode":"DepthAndRgb"}`)
	require.NoError(t, err)
	assert.Equal(t, "Depth640x480", req[stream.KeyStreamMode])

	_, err = parseStreamRequest(`{"streamMode":`)
	assert.Error(t, err)
	_, err = parseStreamRequest(`{"streamMode":"Depth320x240_60FPS","frameSyncMode":"DepthAndRgb"}`)
	assert.Error(t, err, "frame sync is not available at 60 FPS")
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.EmptyDriverConfig()
	applyOverrides(cfg, "x.db", "", ":9000", "")
	assert.Equal(t, "x.db", cfg.GetDBPath())
	assert.Equal(t, "", cfg.GetSerialPort())
	assert.Equal(t, ":9000", cfg.GetAdminListen())
	assert.Equal(t, ":4446", cfg.GetFrameListen())
}

func TestRunMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	assert.Equal(t, 0, runMigrate([]string{"-db-path", path, "up"}))
	assert.Equal(t, 2, runMigrate([]string{"-db-path", path, "sideways"}))
	assert.Equal(t, 2, runMigrate([]string{"-no-such-flag"}))
}

func TestImportCalibrations(t *testing.T) {
	dir := t.TempDir()
	database, err := db.NewDB(filepath.Join(dir, "c.db"))
	require.NoError(t, err)
	defer database.Close()

	ext := make([]string, 16)
	for i := range ext {
		ext[i] = "0"
	}
	for _, i := range []int{0, 5, 10, 15} {
		ext[i] = "1"
	}
	body := fmt.Sprintf(`[{"sensor_serial":"S1","host_model":"h","extrinsics":[%s]}]`, strings.Join(ext, ","))
	file := filepath.Join(dir, "cal.json")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o644))

	n, err := importCalibrations(database, file)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = importCalibrations(database, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
