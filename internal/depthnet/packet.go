// Package depthnet carries sensor frames over UDP. Each datagram holds one
// band of consecutive rows; an Assembler rebuilds whole frames and hands them
// to a sink. The package also replays and records pcap captures of the link.
package depthnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/stream"
)

const (
	// Magic is "DF" read as a little-endian uint16.
	Magic   uint16 = 0x4446
	Version uint8  = 1

	// HeaderLen covers the fixed header and the timestamp.
	HeaderLen = 16 + 8

	// DefaultMaxPayload keeps datagrams under a 1500-byte MTU.
	DefaultMaxPayload = 1400
)

// Packet flags, stored in the high nibble of the kind byte.
const (
	FlagEndOfFrame uint8 = 1 << 0
	FlagHighGain   uint8 = 1 << 1
)

var (
	ErrShortPacket   = errors.New("depthnet: packet too short")
	ErrBadMagic      = errors.New("depthnet: bad magic")
	ErrBadVersion    = errors.New("depthnet: unsupported version")
	ErrFrameTooLarge = errors.New("depthnet: frame larger than any stream mode")
)

// maxWidth and maxHeight bound the geometry a header may claim, so a single
// band cannot size the frame buffer.
var maxWidth, maxHeight = stream.MaxFrameSize()

// LayerTypeFramePacket identifies FramePacket in gopacket decoding.
var LayerTypeFramePacket = gopacket.RegisterLayerType(4446, gopacket.LayerTypeMetadata{
	Name:    "DepthFrame",
	Decoder: gopacket.DecodeFunc(decodeFramePacket),
})

// FramePacket is one row band of a frame.
//
//	0      2   3          4      8     10     12        14       16          24
//	| magic | ver | kind|flags | seq | width | height | first row | row count | timestamp | pixels...
//
// All fields are little-endian. Pixels holds RowCount*Width uint16 values.
type FramePacket struct {
	layers.BaseLayer

	Kind      frames.Kind
	Flags     uint8
	Sequence  uint32
	Width     uint16
	Height    uint16
	FirstRow  uint16
	RowCount  uint16
	Timestamp float64
	// Pixels aliases the decoded datagram; copy it out before reusing the
	// read buffer.
	Pixels []byte
}

func (p *FramePacket) LayerType() gopacket.LayerType { return LayerTypeFramePacket }

func (p *FramePacket) CanDecode() gopacket.LayerClass { return LayerTypeFramePacket }

func (p *FramePacket) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// DecodeFromBytes decodes data without copying; p.Pixels aliases data.
func (p *FramePacket) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if m := binary.LittleEndian.Uint16(data[0:2]); m != Magic {
		return fmt.Errorf("%w: %#04x", ErrBadMagic, m)
	}
	if v := data[2]; v != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	p.Kind = frames.Kind(data[3] & 0x0f)
	p.Flags = data[3] >> 4
	p.Sequence = binary.LittleEndian.Uint32(data[4:8])
	p.Width = binary.LittleEndian.Uint16(data[8:10])
	p.Height = binary.LittleEndian.Uint16(data[10:12])
	p.FirstRow = binary.LittleEndian.Uint16(data[12:14])
	p.RowCount = binary.LittleEndian.Uint16(data[14:16])
	p.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(data[16:24]))

	n := int(p.RowCount) * int(p.Width) * 2
	if len(data)-HeaderLen < n {
		df.SetTruncated()
		return fmt.Errorf("%w: want %d pixel bytes, have %d", ErrShortPacket, n, len(data)-HeaderLen)
	}
	p.Pixels = data[HeaderLen : HeaderLen+n]
	p.Contents = data[:HeaderLen+n]
	p.Payload = nil
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (p *FramePacket) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(HeaderLen + len(p.Pixels))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(p.Kind)&0x0f | p.Flags<<4
	binary.LittleEndian.PutUint32(buf[4:8], p.Sequence)
	binary.LittleEndian.PutUint16(buf[8:10], p.Width)
	binary.LittleEndian.PutUint16(buf[10:12], p.Height)
	binary.LittleEndian.PutUint16(buf[12:14], p.FirstRow)
	binary.LittleEndian.PutUint16(buf[14:16], p.RowCount)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(p.Timestamp))
	copy(buf[HeaderLen:], p.Pixels)
	return nil
}

// Validate checks the band against its frame geometry.
func (p *FramePacket) Validate() error {
	switch {
	case p.Kind != frames.KindDepth && p.Kind != frames.KindInfrared:
		return fmt.Errorf("depthnet: unknown frame kind %d", p.Kind)
	case p.Width == 0 || p.Height == 0:
		return fmt.Errorf("depthnet: empty frame geometry %dx%d", p.Width, p.Height)
	case int(p.Width) > maxWidth || int(p.Height) > maxHeight:
		return fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrFrameTooLarge, p.Width, p.Height, maxWidth, maxHeight)
	case p.RowCount == 0 || int(p.FirstRow)+int(p.RowCount) > int(p.Height):
		return fmt.Errorf("depthnet: rows %d+%d outside frame height %d", p.FirstRow, p.RowCount, p.Height)
	}
	return nil
}

// CopyPixels decodes the band's pixels into dst, which must hold
// RowCount*Width values.
func (p *FramePacket) CopyPixels(dst []uint16) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint16(p.Pixels[2*i:])
	}
}

func decodeFramePacket(data []byte, pb gopacket.PacketBuilder) error {
	p := &FramePacket{}
	if err := p.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(p)
	return nil
}

// rowsPerBand returns how many rows of width pixels fit in maxPayload.
func rowsPerBand(width, maxPayload int) int {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return max(1, (maxPayload-HeaderLen)/(2*width))
}

// Encode splits f into serialized datagrams of at most maxPayload bytes
// (one row minimum). The last band carries FlagEndOfFrame.
func Encode(f *frames.Frame, flags uint8, maxPayload int) ([][]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("depthnet: encode %s: invalid frame", f)
	}
	if f.Width > math.MaxUint16 || f.Height > math.MaxUint16 {
		return nil, fmt.Errorf("depthnet: encode %s: frame too large", f)
	}
	step := rowsPerBand(f.Width, maxPayload)
	opts := gopacket.SerializeOptions{}
	out := make([][]byte, 0, (f.Height+step-1)/step)
	for row := 0; row < f.Height; row += step {
		n := min(step, f.Height-row)
		pix := make([]byte, 2*n*f.Width)
		for i, v := range f.Data[row*f.Width : (row+n)*f.Width] {
			binary.LittleEndian.PutUint16(pix[2*i:], v)
		}
		p := &FramePacket{
			Kind:      f.Kind,
			Flags:     flags,
			Sequence:  f.Sequence,
			Width:     uint16(f.Width),
			Height:    uint16(f.Height),
			FirstRow:  uint16(row),
			RowCount:  uint16(n),
			Timestamp: f.Timestamp,
			Pixels:    pix,
		}
		if row+n == f.Height {
			p.Flags |= FlagEndOfFrame
		}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, opts, p); err != nil {
			return nil, fmt.Errorf("depthnet: serialize band at row %d: %w", row, err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
