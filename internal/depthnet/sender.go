package depthnet

import (
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/timeutil"
)

// Sender transmits frames over the frame link, used by the device simulator
// and for loopback tests.
type Sender struct {
	conn       io.Writer
	maxPayload int
	rec        *Recorder
	clock      timeutil.Clock
	sent       int
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithMaxPayload caps the datagram size.
func WithMaxPayload(n int) SenderOption { return func(s *Sender) { s.maxPayload = n } }

// WithRecorder also writes every datagram to rec.
func WithRecorder(rec *Recorder) SenderOption { return func(s *Sender) { s.rec = rec } }

// WithSenderClock sets the clock used to timestamp recorded datagrams.
func WithSenderClock(c timeutil.Clock) SenderOption { return func(s *Sender) { s.clock = c } }

// NewSender writes datagrams to conn, typically a connected *net.UDPConn.
// conn may be nil when only recording.
func NewSender(conn io.Writer, opts ...SenderOption) *Sender {
	s := &Sender{conn: conn, maxPayload: DefaultMaxPayload, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send encodes f and writes every band.
func (s *Sender) Send(f *frames.Frame, flags uint8) error {
	bands, err := Encode(f, flags, s.maxPayload)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for i, b := range bands {
		if s.conn != nil {
			if _, err := s.conn.Write(b); err != nil {
				return fmt.Errorf("send %s band %d: %w", f, i, err)
			}
		}
		if s.rec != nil {
			if err := s.rec.Write(now.Add(time.Duration(i)*time.Microsecond), b); err != nil {
				return fmt.Errorf("record %s band %d: %w", f, i, err)
			}
		}
		s.sent++
	}
	return nil
}

// Sent returns the number of datagrams written.
func (s *Sender) Sent() int { return s.sent }
