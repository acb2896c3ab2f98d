package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/depthkit/internal/calibration"
	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/sensorerr"
	"github.com/banshee-data/depthkit/internal/serialmux"
	"github.com/banshee-data/depthkit/internal/stream"
)

// ErrNotStreaming is returned by SetHighGainEnabled when no stream is active.
var ErrNotStreaming = errors.New("sensor: not streaming")

// DefaultColorIntrinsics models the host color camera at 640x480.
var DefaultColorIntrinsics = frames.Intrinsics{
	Fx: 578, Fy: 578, Cx: 319.5, Cy: 239.5,
	Width: 640, Height: 480,
}

// Link is the control link to the device. serialmux.SerialMuxInterface
// satisfies it.
type Link interface {
	Subscribe() (string, chan string)
	Unsubscribe(id string)
	SendCommand(cmd string) error
}

// Options configure a Controller. Zero values take defaults.
type Options struct {
	// HostModel identifies the host the sensor is mounted on; it selects the
	// approximate calibration.
	HostModel string
	// Sync tunes the frame synchronizer.
	Sync framesync.Config
	// ColorIntrinsics describes the host color camera. Defaults to
	// DefaultColorIntrinsics.
	ColorIntrinsics frames.Intrinsics
	// Calibration is the shared calibration store. A store with no
	// repository is created when nil.
	Calibration *calibration.Store
	// Pool supplies scratch frames. A private pool is created when nil.
	Pool    *frames.Pool
	Metrics *monitoring.Metrics
}

// Controller owns the connection to one sensor. All methods are safe for
// concurrent use.
type Controller struct {
	link    Link
	opts    Options
	calib   *calibration.Store
	metrics *monitoring.Metrics

	initMu   sync.Mutex // serializes Initialize
	streamMu sync.Mutex // serializes stream start/stop and disconnect

	mu       sync.RWMutex
	state    State
	device   DeviceInfo
	lowPower bool
	battery  int
	config   *stream.Config
	reg      *frames.Registration

	observer atomic.Pointer[Observer]
	delivery *delivery
}

// NewController creates a Controller on link.
func NewController(link Link, opts Options) *Controller {
	if !opts.ColorIntrinsics.Valid() {
		opts.ColorIntrinsics = DefaultColorIntrinsics
	}
	if opts.Calibration == nil {
		opts.Calibration = calibration.NewStore(nil)
	}
	if opts.Pool == nil {
		opts.Pool = frames.NewPool()
	}
	c := &Controller{
		link:    link,
		opts:    opts,
		calib:   opts.Calibration,
		metrics: opts.Metrics,
	}
	c.observer.Store(&Observer{})
	c.delivery = newDelivery(opts.Pool, opts.Metrics, opts.Sync, c.observer.Load)
	c.metrics.SetConnectionState(int(StateNotFound))
	return c
}

// SetObserver replaces the observer. nil removes it.
func (c *Controller) SetObserver(o *Observer) {
	if o == nil {
		o = &Observer{}
	}
	c.observer.Store(o)
}

// Calibration returns the controller's calibration store.
func (c *Controller) Calibration() *calibration.Store { return c.calib }

// Pool returns the frame pool shared with the frame producer.
func (c *Controller) Pool() *frames.Pool { return c.opts.Pool }

// Initialize probes the device and blocks until a definitive status. ctx
// bounds the probe; cancelling it before the device answers yields
// SensorNotFound.
func (c *Controller) Initialize(ctx context.Context) InitStatus {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.IsConnected() {
		return AlreadyInitialized
	}
	c.setState(StateConnecting)

	id, lines := c.link.Subscribe()
	defer c.link.Unsubscribe(id)

	if err := c.link.SendCommand(cmdHello); err != nil {
		monitoring.Logf("[Controller] probe failed: %v", err)
		c.setState(StateNotFound)
		return OpenFailed
	}

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Controller] no sensor answered: %v", ctx.Err())
			c.setState(StateNotFound)
			return SensorNotFound
		case raw, ok := <-lines:
			if !ok {
				c.setState(StateNotFound)
				return SensorNotFound
			}
			l, ok := serialmux.ParseLine(raw)
			if !ok || l.Verb != verbHello {
				continue
			}
			h := parseHello(l)
			if h.waking {
				monitoring.Logf("[Controller] sensor %s is waking up", h.info.Serial)
				c.setState(StateNotFound)
				return SensorIsWakingUp
			}
			c.connect(ctx, h.info)
			return Success
		}
	}
}

func (c *Controller) connect(ctx context.Context, info DeviceInfo) {
	calType := c.calib.Attach(ctx, info.Serial, c.opts.HostModel)

	c.mu.Lock()
	c.state = StateConnected
	c.device = info
	c.lowPower = false
	c.battery = 0
	c.mu.Unlock()
	c.metrics.SetConnectionState(int(StateConnected))

	monitoring.Logf("[Controller] connected to %s serial=%s fw=%s hw=%s calibration=%s",
		info.Name, info.Serial, info.Firmware, info.Hardware, calType)

	if fn := c.observer.Load().Connected; fn != nil {
		fn()
	}
	if err := c.link.SendCommand(cmdBattery); err != nil {
		monitoring.Logf("[Controller] battery query failed: %v", err)
	}
}

// Run applies control link events until ctx is done or the link closes.
func (c *Controller) Run(ctx context.Context) error {
	id, lines := c.link.Subscribe()
	defer c.link.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-lines:
			if !ok {
				return nil
			}
			c.handleLine(raw)
		}
	}
}

func (c *Controller) handleLine(raw string) {
	l, ok := serialmux.ParseLine(raw)
	if !ok {
		return
	}
	switch l.Verb {
	case verbBat:
		pct, ok := parseBattery(l)
		if !ok {
			monitoring.Logf("[Controller] malformed battery report %q", raw)
			return
		}
		c.mu.Lock()
		if c.state == StateConnected || c.state == StateStreaming {
			c.battery = pct
		}
		c.mu.Unlock()
		c.metrics.SetBattery(pct)
	case verbEvent:
		c.handleEvent(l)
	case verbAck:
		monitoring.Debugf("[Controller] ack: %s", l)
	case verbNak:
		monitoring.Logf("[Controller] device rejected command: %s", l)
	case verbHello:
		// Probe replies are consumed by Initialize.
	default:
		monitoring.Debugf("[Controller] ignoring %q", raw)
	}
}

func (c *Controller) handleEvent(l serialmux.Line) {
	switch l.Arg(0) {
	case "detached":
		c.handleDisconnect()
	case "attached":
		monitoring.Logf("[Controller] sensor attached; waiting for Initialize")
	case "lowpower":
		enter := l.Arg(1) == "enter"
		if !enter && l.Arg(1) != "exit" {
			monitoring.Logf("[Controller] unknown low power event %q", l)
			return
		}
		c.mu.Lock()
		connected := c.state == StateConnected || c.state == StateStreaming
		if connected {
			c.lowPower = enter
		}
		c.mu.Unlock()
		if !connected {
			return
		}
		obs := c.observer.Load()
		if enter && obs.EnteredLowPower != nil {
			obs.EnteredLowPower()
		} else if !enter && obs.LeftLowPower != nil {
			obs.LeftLowPower()
		}
	case "battery":
		if l.Arg(1) != "low" {
			return
		}
		monitoring.Logf("[Controller] sensor battery low")
		if fn := c.observer.Load().BatteryNeedsCharging; fn != nil {
			fn()
		}
	default:
		monitoring.Debugf("[Controller] ignoring event %q", l)
	}
}

func (c *Controller) handleDisconnect() {
	c.streamMu.Lock()
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateStreaming {
		c.mu.Unlock()
		c.streamMu.Unlock()
		return
	}
	wasStreaming := c.state == StateStreaming
	serial := c.device.Serial
	c.state = StateDisconnected
	c.device = DeviceInfo{}
	c.config = nil
	c.reg = nil
	c.lowPower = false
	c.battery = 0
	c.mu.Unlock()

	if wasStreaming {
		c.delivery.stop()
	}
	c.calib.Detach()
	c.streamMu.Unlock()
	c.metrics.SetConnectionState(int(StateDisconnected))
	monitoring.Logf("[Controller] sensor %s disconnected (streaming=%v)", serial, wasStreaming)

	obs := c.observer.Load()
	if wasStreaming && obs.StoppedStreaming != nil {
		obs.StoppedStreaming(StopReasonSensorDisconnected)
	}
	if obs.Disconnected != nil {
		obs.Disconnected()
	}
}

// StartStreaming validates req and starts streaming. While a stream is
// active only HighGain may differ from the running configuration; an
// identical request is a no-op.
func (c *Controller) StartStreaming(req stream.Request) error {
	cfg, err := stream.Validate(req)
	if err != nil {
		return err
	}
	return c.startStreaming(cfg)
}

// StartStreamingConfig is StartStreaming with typed options.
func (c *Controller) StartStreamingConfig(opts stream.Options) error {
	cfg, err := opts.Resolve()
	if err != nil {
		return err
	}
	return c.startStreaming(cfg)
}

func (c *Controller) startStreaming(cfg stream.Config) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.mu.RLock()
	state, active := c.state, c.config
	c.mu.RUnlock()

	switch state {
	case StateStreaming:
		if err := stream.CheckUpdate(*active, cfg); err != nil {
			return err
		}
		if cfg.HighGain != active.HighGain {
			return c.setHighGainLocked(cfg.HighGain)
		}
		return nil
	case StateConnected:
	default:
		return ErrNotConnected
	}

	extrinsics := c.calib.Activate()
	reg, err := c.registration(cfg.Mode, extrinsics)
	if err != nil && cfg.Mode.Registered() {
		return sensorerr.Wrap(sensorerr.OptionInvalidValue, err, "%s needs a calibration", cfg.Mode)
	}

	c.delivery.start(cfg, reg)
	if err := c.link.SendCommand(streamStartCommand(cfg)); err != nil {
		c.delivery.stop()
		return fmt.Errorf("start streaming: %w", err)
	}

	c.mu.Lock()
	c.state = StateStreaming
	c.config = &cfg
	c.reg = reg
	c.mu.Unlock()
	c.metrics.SetConnectionState(int(StateStreaming))
	return nil
}

// registration prepares the depth-to-color reprojection for mode. It
// returns nil without error for infrared-only modes.
func (c *Controller) registration(mode stream.Mode, extrinsics calibration.Extrinsics) (*frames.Registration, error) {
	if !mode.HasDepth() {
		return nil, nil
	}
	info := stream.NewInfo(mode, extrinsics)
	return frames.NewRegistration(info.DepthIntrinsics, c.opts.ColorIntrinsics, extrinsics)
}

// StopStreaming stops an active stream. It is a no-op otherwise.
func (c *Controller) StopStreaming() {
	c.stopStreaming()
}

// Suspend stops streaming because the host application is going inactive
// and notifies the observer.
func (c *Controller) Suspend() {
	if c.stopStreaming() {
		if fn := c.observer.Load().StoppedStreaming; fn != nil {
			fn(StopReasonAppWillResignActive)
		}
	}
}

func (c *Controller) stopStreaming() bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.config = nil
	c.mu.Unlock()

	c.delivery.stop()
	if err := c.link.SendCommand(cmdStreamStop); err != nil {
		monitoring.Logf("[Controller] stop streaming: %v", err)
	}
	c.metrics.SetConnectionState(int(StateConnected))
	return true
}

// SetHighGainEnabled toggles the infrared high-gain mode of the running
// stream.
func (c *Controller) SetHighGainEnabled(enabled bool) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	switch c.State() {
	case StateStreaming:
		return c.setHighGainLocked(enabled)
	case StateConnected:
		return ErrNotStreaming
	default:
		return ErrNotConnected
	}
}

func (c *Controller) setHighGainLocked(enabled bool) error {
	if err := c.link.SendCommand(gainCommand(enabled)); err != nil {
		return fmt.Errorf("set high gain: %w", err)
	}
	c.mu.Lock()
	if c.config != nil {
		cfg := *c.config
		cfg.HighGain = enabled
		c.config = &cfg
	}
	c.mu.Unlock()
	c.delivery.updateHighGain(enabled)
	return nil
}

// FrameSyncNewColorSample offers a color sample for pairing. The caller
// keeps its reference; it is ignored unless frame sync is on.
func (c *Controller) FrameSyncNewColorSample(sample frames.ColorSample) {
	c.delivery.colorSample(sample)
}

// HandleFrame is the frame producer's sink. f is borrowed for the call.
func (c *Controller) HandleFrame(f *frames.Frame) {
	c.delivery.deliver(f)
}

// DepthSnapshot waits for the next delivered depth frame and returns a copy.
func (c *Controller) DepthSnapshot(ctx context.Context) (*frames.Frame, error) {
	if c.State() != StateStreaming {
		return nil, ErrNotStreaming
	}
	return c.delivery.snapshot(ctx)
}

// NewFloatDepthFrame returns an empty float depth frame bound to the active
// stream's registration, so RegisteredToColor works for unregistered modes.
// With no calibration the registration is nil and RegisteredToColor reports
// false.
func (c *Controller) NewFloatDepthFrame() *frames.FloatDepthFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	registered := c.config != nil && c.config.Mode.Registered()
	return frames.NewFloatDepthFrame(c.reg, registered)
}

// StreamInfo describes mode using the current calibration.
func (c *Controller) StreamInfo(mode stream.Mode) stream.Info {
	return stream.NewInfo(mode, c.calib.Get())
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetConnectionState(int(s))
}

// State returns the connection state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the sensor is connected, streaming or not.
func (c *Controller) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateStreaming
}

func (c *Controller) IsLowPower() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lowPower
}

// BatteryChargePercentage returns the last reported charge, or 0 when not
// connected.
func (c *Controller) BatteryChargePercentage() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.battery
}

func (c *Controller) Device() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

func (c *Controller) Name() string             { return c.Device().Name }
func (c *Controller) SerialNumber() string     { return c.Device().Serial }
func (c *Controller) FirmwareRevision() string { return c.Device().Firmware }
func (c *Controller) HardwareRevision() string { return c.Device().Hardware }

// Config returns the active stream configuration, if any.
func (c *Controller) Config() (stream.Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return stream.Config{}, false
	}
	return *c.config, true
}
