package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/depthkit/internal/calibration"
	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/sensorerr"
	"github.com/banshee-data/depthkit/internal/serialmux"
	"github.com/banshee-data/depthkit/internal/stream"
	"github.com/banshee-data/depthkit/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLink plays the device: replies to a command are delivered to every
// subscriber before SendCommand returns.
type fakeLink struct {
	mu         sync.Mutex
	subs       map[string]chan string
	next       int
	sent       []string
	sendErr    error
	reply      func(cmd string) []string
	subscribed chan struct{}
}

func newFakeLink(power string) *fakeLink {
	return &fakeLink{
		subs:       make(map[string]chan string),
		subscribed: make(chan struct{}, 8),
		reply: func(cmd string) []string {
			switch {
			case cmd == "HELLO":
				return []string{"HELLO name=Structure serial=26779 fw=1.1 hw=5 power=" + power}
			case cmd == "BAT?":
				return []string{"BAT 87"}
			default:
				return []string{"ACK " + cmd}
			}
		},
	}
}

func (l *fakeLink) Subscribe() (string, chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := string(rune('a' + l.next))
	ch := make(chan string, 64)
	l.subs[id] = ch
	select {
	case l.subscribed <- struct{}{}:
	default:
	}
	return id, ch
}

func (l *fakeLink) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

func (l *fakeLink) SendCommand(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, cmd)
	if l.reply != nil {
		for _, line := range l.reply(cmd) {
			l.injectLocked(line)
		}
	}
	return nil
}

func (l *fakeLink) inject(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.injectLocked(line)
}

func (l *fakeLink) injectLocked(line string) {
	for _, ch := range l.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (l *fakeLink) commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

// events records observer notifications in order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) observer() *Observer {
	return &Observer{
		Connected:            func() { e.add("connected") },
		Disconnected:         func() { e.add("disconnected") },
		StoppedStreaming:     func(r StopReason) { e.add("stopped:" + r.String()) },
		EnteredLowPower:      func() { e.add("lowpower:enter") },
		LeftLowPower:         func() { e.add("lowpower:exit") },
		BatteryNeedsCharging: func() { e.add("battery:low") },
	}
}

func connected(t *testing.T, opts Options) (*Controller, *fakeLink, *events) {
	t.Helper()
	link := newFakeLink("ready")
	c := NewController(link, opts)
	ev := &events{}
	c.SetObserver(ev.observer())
	require.Equal(t, Success, c.Initialize(context.Background()))
	return c, link, ev
}

// runLoop starts Run and waits until it has subscribed.
func runLoop(t *testing.T, c *Controller, link *fakeLink) {
	t.Helper()
	for len(link.subscribed) > 0 {
		<-link.subscribed
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-link.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not subscribe")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestInitializeConnects(t *testing.T) {
	c, link, ev := connected(t, Options{HostModel: "iPad4,1"})

	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.Equal(t, "Structure", c.Name())
	assert.Equal(t, "26779", c.SerialNumber())
	assert.Equal(t, "1.1", c.FirmwareRevision())
	assert.Equal(t, "5", c.HardwareRevision())
	assert.Equal(t, []string{"connected"}, ev.list())
	assert.Equal(t, []string{"HELLO", "BAT?"}, link.commands())
	assert.True(t, c.Calibration().Attached())
	assert.Equal(t, calibration.TypeApproximate, c.Calibration().Type())

	assert.Equal(t, AlreadyInitialized, c.Initialize(context.Background()))
	assert.Equal(t, []string{"HELLO", "BAT?"}, link.commands(), "second Initialize must not probe")
	assert.True(t, AlreadyInitialized.CanStream())
}

func TestInitializeFailures(t *testing.T) {
	t.Run("waking", func(t *testing.T) {
		c := NewController(newFakeLink("waking"), Options{})
		assert.Equal(t, SensorIsWakingUp, c.Initialize(context.Background()))
		assert.Equal(t, StateNotFound, c.State())
		assert.Empty(t, c.Name())
		assert.False(t, SensorIsWakingUp.CanStream())
	})
	t.Run("open failed", func(t *testing.T) {
		link := newFakeLink("ready")
		link.sendErr = errors.New("port gone")
		c := NewController(link, Options{})
		assert.Equal(t, OpenFailed, c.Initialize(context.Background()))
		assert.False(t, c.IsConnected())
	})
	t.Run("no reply", func(t *testing.T) {
		link := newFakeLink("ready")
		link.reply = nil
		c := NewController(link, Options{})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.Equal(t, SensorNotFound, c.Initialize(ctx))
		assert.Equal(t, StateNotFound, c.State())
	})
}

func TestInitializeOverSerialMux(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.OnWrite = func(cmd string) {
		if cmd == "HELLO" {
			port.Feed("HELLO name=Structure serial=1001 fw=2.0 hw=7 power=ready")
		}
	}
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	defer func() {
		cancel()
		mux.Close()
		<-done
	}()

	c := NewController(mux, Options{})
	probeCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.Equal(t, Success, c.Initialize(probeCtx))
	assert.Equal(t, "1001", c.SerialNumber())
	assert.Equal(t, []string{"HELLO", "BAT?"}, port.Written())
}

func TestStartStreamingValidation(t *testing.T) {
	c := NewController(newFakeLink("ready"), Options{})
	err := c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Depth320x240})
	assert.ErrorIs(t, err, ErrNotConnected)

	c, link, _ := connected(t, Options{})
	before := len(link.commands())

	err = c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Infrared320x248, stream.KeyHoleFill: true})
	assert.True(t, sensorerr.HasCode(err, sensorerr.OptionInvalidValue), "got %v", err)

	err = c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Depth320x240At60FPS, stream.KeyFrameSyncMode: stream.FrameSyncDepthAndRGB})
	assert.True(t, sensorerr.HasCode(err, sensorerr.OptionInvalidValue), "got %v", err)

	err = c.StartStreaming(stream.Request{"bogus": 1, stream.KeyStreamMode: 0})
	assert.True(t, sensorerr.HasCode(err, sensorerr.OptionNotRecognized), "got %v", err)

	assert.Len(t, link.commands(), before, "rejected requests must not reach the device")
	assert.Equal(t, StateConnected, c.State())
}

func TestStreamingLifecycle(t *testing.T) {
	c, link, _ := connected(t, Options{})

	var got []*frames.Frame
	c.SetObserver(&Observer{
		DepthFrame: func(f *frames.Frame) { got = append(got, f.Clone()) },
	})

	require.NoError(t, c.StartStreaming(stream.Request{
		stream.KeyStreamMode: "Depth320x240",
		stream.KeyHoleFill:   false,
	}))
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, "STREAM START mode=0 holefilter=0 highgain=0", link.commands()[2])

	c.HandleFrame(testutil.DepthFrame(320, 240, 1.0, 900))
	c.HandleFrame(testutil.InfraredFrame(320, 248, 1.0))
	c.HandleFrame(testutil.DepthFrame(640, 480, 1.1, 900))
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Timestamp)
	assert.Equal(t, uint16(900), got[0].At(5, 5))

	// Identical config is a no-op; only high gain may change.
	n := len(link.commands())
	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: 0, stream.KeyHoleFill: false}))
	assert.Len(t, link.commands(), n)

	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: 0, stream.KeyHoleFill: false, stream.KeyHighGain: true}))
	assert.Equal(t, "GAIN 1", link.commands()[n])
	cfg, ok := c.Config()
	require.True(t, ok)
	assert.True(t, cfg.HighGain)

	err := c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Depth640x480})
	assert.True(t, sensorerr.HasCode(err, sensorerr.OptionCannotBeUpdated), "got %v", err)

	require.NoError(t, c.SetHighGainEnabled(false))
	assert.Equal(t, "GAIN 0", link.commands()[len(link.commands())-1])

	c.StopStreaming()
	assert.Equal(t, StateConnected, c.State())
	assert.Contains(t, link.commands(), "STREAM STOP")
	c.HandleFrame(testutil.DepthFrame(320, 240, 2.0, 900))
	assert.Len(t, got, 1, "frames after stop must not be delivered")

	assert.ErrorIs(t, c.SetHighGainEnabled(true), ErrNotStreaming)
	c.StopStreaming()
}

func TestHoleFilterAndTypedOptions(t *testing.T) {
	c, link, _ := connected(t, Options{})

	var center uint16
	c.SetObserver(&Observer{
		DepthFrame: func(f *frames.Frame) { center = f.At(10, 10) },
	})
	mode := stream.Depth320x240
	require.NoError(t, c.StartStreamingConfig(stream.Options{Mode: &mode}))
	assert.Equal(t, "STREAM START mode=0 holefilter=0 highgain=0", link.commands()[2],
		"the host fills holes, so the device filter stays off")

	in := testutil.DepthFrame(320, 240, 1.0, 1000, 10*320+10)
	c.HandleFrame(in)
	assert.Equal(t, uint16(1000), center)
	assert.Equal(t, uint16(0), in.At(10, 10), "input frame must not be modified")
	c.StopStreaming()
}

func TestRegisteredModeNeedsCalibration(t *testing.T) {
	c, _, _ := connected(t, Options{HostModel: "unknown-host"})
	err := c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.RegisteredDepth320x240})
	assert.True(t, sensorerr.HasCode(err, sensorerr.OptionInvalidValue), "got %v", err)

	c, _, _ = connected(t, Options{HostModel: "iPad4,1"})
	var delivered int
	c.SetObserver(&Observer{DepthFrame: func(*frames.Frame) { delivered++ }})
	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.RegisteredDepth320x240}))
	c.HandleFrame(testutil.DepthFrame(320, 240, 1.0, 1500))
	assert.Equal(t, 1, delivered)

	info := c.StreamInfo(stream.RegisteredDepth320x240)
	assert.Equal(t, calibration.Identity(), info.ColorCameraPoseInDepthFrame)
	assert.Equal(t, c.Calibration().Get(), c.StreamInfo(stream.Depth320x240).ColorCameraPoseInDepthFrame)

	fd := c.NewFloatDepthFrame()
	fd.UpdateFromDepthFrame(testutil.DepthFrame(320, 240, 1.0, 1500))
	aligned, ok := fd.RegisteredToColor()
	assert.Same(t, fd, aligned, "registered streams are already aligned")
	assert.True(t, ok)
	c.StopStreaming()
}

func TestDisconnectWhileStreaming(t *testing.T) {
	c, link, ev := connected(t, Options{})
	runLoop(t, c, link)

	m := calibration.NewExtrinsics([9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float32{0.02, 0.001, 0.004})
	require.NoError(t, c.Calibration().Set(m))
	assert.Equal(t, m, c.Calibration().Get())

	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Infrared320x248}))
	link.inject("EVT detached")
	testutil.Eventually(t, 2*time.Second, func() bool { return len(ev.list()) == 3 }, "disconnect notifications")

	assert.Equal(t, []string{"connected", "stopped:sensor-disconnected", "disconnected"}, ev.list())
	assert.Equal(t, calibration.Unset, c.Calibration().Get())
	assert.Empty(t, c.SerialNumber())
	_, ok := c.Config()
	assert.False(t, ok)
	assert.ErrorIs(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: 0}), ErrNotConnected)

	// A second detach is ignored; the sensor can be initialized again.
	c.handleLine("EVT detached")
	assert.Len(t, ev.list(), 3)
	assert.Equal(t, Success, c.Initialize(context.Background()))
}

func TestSuspendStopsWithReason(t *testing.T) {
	c, link, ev := connected(t, Options{})
	c.Suspend()
	assert.Equal(t, []string{"connected"}, ev.list(), "suspend while idle is silent")

	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Depth640x480}))
	c.Suspend()
	assert.Equal(t, []string{"connected", "stopped:app-will-resign-active"}, ev.list())
	assert.Equal(t, "STREAM STOP", link.commands()[len(link.commands())-1])
	assert.Equal(t, StateConnected, c.State())
}

func TestPowerAndBatteryEvents(t *testing.T) {
	c, link, ev := connected(t, Options{})
	runLoop(t, c, link)

	link.inject("BAT 142")
	link.inject("EVT lowpower enter")
	testutil.Eventually(t, 2*time.Second, func() bool { return c.IsLowPower() }, "low power")
	assert.Equal(t, 100, c.BatteryChargePercentage())

	link.inject("EVT lowpower exit")
	link.inject("EVT battery low")
	link.inject("EVT attached")
	link.inject("NAK GAIN")
	testutil.Eventually(t, 2*time.Second, func() bool { return len(ev.list()) == 4 }, "events")
	assert.Equal(t, []string{"connected", "lowpower:enter", "lowpower:exit", "battery:low"}, ev.list())
	assert.False(t, c.IsLowPower())

	c.handleLine("BAT abc")
	assert.Equal(t, 100, c.BatteryChargePercentage())
}

func TestFrameSyncDelivery(t *testing.T) {
	c, _, _ := connected(t, Options{})

	var plain, synced int
	var pairedTS float64
	var refsInCallback int
	c.SetObserver(&Observer{
		DepthFrame: func(*frames.Frame) { plain++ },
		SynchronizedDepthFrame: func(f *frames.Frame, color frames.ColorSample) {
			synced++
			pairedTS = color.Timestamp()
			refsInCallback = color.(*frames.ColorBuffer).Refs()
		},
	})

	early := testutil.ColorSample(0.5)
	c.FrameSyncNewColorSample(early)
	assert.Equal(t, 1, early.Refs(), "samples are ignored while not streaming")

	require.NoError(t, c.StartStreaming(stream.Request{
		stream.KeyStreamMode:    stream.Depth320x240,
		stream.KeyFrameSyncMode: "DepthAndRgb",
	}))

	s1 := testutil.ColorSample(1.0)
	c.FrameSyncNewColorSample(s1)
	assert.Equal(t, 2, s1.Refs())

	c.HandleFrame(testutil.DepthFrame(320, 240, 1.005, 700))
	assert.Equal(t, 0, plain)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 1.0, pairedTS)
	assert.Equal(t, 2, refsInCallback)
	assert.Equal(t, 1, s1.Refs())

	s2 := testutil.ColorSample(2.0)
	c.FrameSyncNewColorSample(s2)
	c.StopStreaming()
	assert.Equal(t, 1, s2.Refs(), "stop releases buffered samples")
	c.FrameSyncNewColorSample(testutil.ColorSample(3.0))

	st := c.Status()
	require.NotNil(t, st.Sync)
	assert.Equal(t, uint64(1), st.Sync.Pairs)
	pairings, tol := c.SyncPairings()
	require.Len(t, pairings, 1)
	assert.InDelta(t, -0.005, pairings[0].Delta, 1e-9)
	assert.InDelta(t, 1.0/60, tol, 1e-12)
}

func TestDepthSnapshot(t *testing.T) {
	c, _, _ := connected(t, Options{})
	_, err := c.DepthSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotStreaming)

	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: 0, stream.KeyHoleFill: false}))

	type result struct {
		f   *frames.Frame
		err error
	}
	res := make(chan result, 1)
	go func() {
		f, err := c.DepthSnapshot(context.Background())
		res <- result{f, err}
	}()
	testutil.Eventually(t, 2*time.Second, func() bool { return c.delivery.waiting.Load() == 1 }, "snapshot waiter")
	c.HandleFrame(testutil.DepthFrame(320, 240, 4.0, 1234))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, 4.0, r.f.Timestamp)
	assert.Equal(t, uint16(1234), r.f.At(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.DepthSnapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), c.delivery.waiting.Load())
	c.StopStreaming()
}

func TestStatusHandler(t *testing.T) {
	c, _, _ := connected(t, Options{HostModel: "iPad4,1"})
	require.NoError(t, c.StartStreaming(stream.Request{stream.KeyStreamMode: stream.Depth320x240AndInfrared320x248}))
	defer c.StopStreaming()

	rec := httptest.NewRecorder()
	c.StatusHandler().ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/sensor"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "streaming", st.State)
	assert.Equal(t, "26779", st.Device.Serial)
	assert.Equal(t, "approximate", st.CalibrationType)
	require.NotNil(t, st.StreamInfo)
	assert.Equal(t, 248, st.StreamInfo.InfraredHeight)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "open-failed", OpenFailed.String())
	assert.Equal(t, 4, int(OpenFailed))
	assert.Equal(t, 0, int(StopReasonAppWillResignActive))
	assert.Equal(t, "StopReason(7)", StopReason(7).String())
}
