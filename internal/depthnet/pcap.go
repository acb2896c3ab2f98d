package depthnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/timeutil"
)

// ReplayConfig controls pcap replay.
type ReplayConfig struct {
	// Port selects UDP datagrams by destination port. Defaults to
	// DefaultPort.
	Port int
	// Speed scales capture timing: 1 is real time, 2 twice as fast. Zero or
	// negative replays as fast as possible.
	Speed float64
	Clock timeutil.Clock
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int
	Frames   int
	Rejected int
}

// Replay reads an Ethernet pcap capture of the frame link and feeds matching
// datagrams to asm. It returns at end of file or when ctx is done.
func Replay(ctx context.Context, r io.Reader, asm *Assembler, cfg ReplayConfig) (ReplayStats, error) {
	var st ReplayStats
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("open pcap: %w", err)
	}
	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var last time.Time
	var pkt FramePacket
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("[DepthNet] replay complete: %d packets, %d frames", st.Packets, st.Frames)
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read pcap packet %d: %w", st.Packets+1, err)
		}

		udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udpLayer.DstPort) != cfg.Port || len(udpLayer.Payload) == 0 {
			continue
		}

		ts := packet.Metadata().Timestamp
		if cfg.Speed > 0 && !last.IsZero() {
			if d := time.Duration(float64(ts.Sub(last)) / cfg.Speed); d > 0 {
				if err := cfg.Clock.Sleep(ctx, d); err != nil {
					return st, err
				}
			}
		}
		last = ts

		st.Packets++
		if err := pkt.DecodeFromBytes(udpLayer.Payload, gopacket.NilDecodeFeedback); err != nil {
			st.Rejected++
			monitoring.Debugf("[DepthNet] replay packet %d: %v", st.Packets, err)
			continue
		}
		if asm != nil && asm.Add(&pkt) {
			st.Frames++
		}
	}
}

// Recorder writes frame link datagrams to a pcap file, wrapped in synthetic
// Ethernet, IPv4 and UDP headers so standard tools can read the capture.
type Recorder struct {
	w       *pcapgo.Writer
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	buf     gopacket.SerializeBuffer
	options gopacket.SerializeOptions
}

// NewRecorder writes a pcap file header to w. Datagrams are addressed to
// dstPort on 127.0.0.1.
func NewRecorder(w io.Writer, dstPort int) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(maxDatagram, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{
		w: pw,
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x44, 0x46},
			DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(DefaultPort + 1),
			DstPort: layers.UDPPort(dstPort),
		},
		buf:     gopacket.NewSerializeBuffer(),
		options: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
	if err := r.udp.SetNetworkLayerForChecksum(&r.ip); err != nil {
		return nil, err
	}
	return r, nil
}

// Write appends one datagram captured at ts.
func (r *Recorder) Write(ts time.Time, payload []byte) error {
	if err := r.buf.Clear(); err != nil {
		return err
	}
	if err := gopacket.SerializeLayers(r.buf, r.options, &r.eth, &r.ip, &r.udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	data := r.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return r.w.WritePacket(ci, data)
}
