package depthnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"

	"github.com/banshee-data/depthkit/internal/monitoring"
)

// DefaultPort is the frame link's UDP port.
const DefaultPort = 4446

// maxDatagram bounds the read buffer; larger datagrams are truncated and
// rejected by the decoder.
const maxDatagram = 65535

// ListenerConfig configures a Listener. Zero values take defaults.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Assembler   *Assembler
	Factory     UDPSocketFactory
	Metrics     *monitoring.Metrics
}

// Listener receives frame link datagrams and feeds them to an Assembler.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	asm         *Assembler
	factory     UDPSocketFactory
	metrics     *monitoring.Metrics

	packets  atomic.Uint64
	bytes    atomic.Uint64
	rejected atomic.Uint64
}

func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	return &Listener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		asm:         cfg.Assembler,
		factory:     cfg.Factory,
		metrics:     cfg.Metrics,
	}
}

// Run reads datagrams until ctx is done. Frames are delivered on this
// goroutine.
func (l *Listener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("resolve frame link address: %w", err)
	}
	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on frame link: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[DepthNet] failed to set receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[DepthNet] listening on %s", conn.LocalAddr())

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		l.logStats(ctx)
	}()
	defer func() { <-statsDone }()

	buf := make([]byte, maxDatagram)
	var pkt FramePacket
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Logf("[DepthNet] read error: %v", err)
			continue
		}
		l.handle(buf[:n], from, &pkt)
	}
}

func (l *Listener) handle(data []byte, from *net.UDPAddr, pkt *FramePacket) {
	l.packets.Add(1)
	l.bytes.Add(uint64(len(data)))
	if err := pkt.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		l.rejected.Add(1)
		l.metrics.Packet("malformed")
		monitoring.Debugf("[DepthNet] dropping datagram from %v: %v", from, err)
		return
	}
	if l.asm != nil {
		l.asm.Add(pkt)
	}
}

func (l *Listener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var st AssemblerStats
			if l.asm != nil {
				st = l.asm.Stats()
			}
			monitoring.Logf("[DepthNet] packets=%d bytes=%d rejected=%d frames=%d incomplete=%d",
				l.packets.Load(), l.bytes.Load(), l.rejected.Load(), st.Frames, st.Incomplete)
		}
	}
}

// Packets returns the number of datagrams read and how many failed to decode.
func (l *Listener) Packets() (read, rejected uint64) {
	return l.packets.Load(), l.rejected.Load()
}
