// Command depth-sim emulates a sensor's frame link: it streams synthetic
// depth and infrared frames to depthkitd over UDP and can record them to a
// pcap file for later replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/depthkit/internal/depthnet"
	"github.com/banshee-data/depthkit/internal/stream"
	"github.com/banshee-data/depthkit/internal/timeutil"
)

type simConfig struct {
	Mode     stream.Mode
	FPS      int
	Frames   int
	HighGain bool
}

func main() {
	addr := flag.String("addr", fmt.Sprintf("127.0.0.1:%d", depthnet.DefaultPort), "depthkitd frame link address")
	modeName := flag.String("mode", "Depth320x240", "stream mode to emulate")
	fps := flag.Int("fps", 0, "frame rate (defaults to the mode's)")
	n := flag.Int("n", 0, "number of frames to send (0 = until interrupted)")
	record := flag.String("record", "", "also write datagrams to this pcap file")
	highGain := flag.Bool("highgain", false, "mark infrared frames as high gain")
	noSend := flag.Bool("no-send", false, "only record, do not send")
	flag.Parse()

	mode, ok := stream.ParseMode(*modeName)
	if !ok {
		log.Fatalf("unknown mode %q", *modeName)
	}

	var conn io.Writer
	if !*noSend {
		c, err := net.Dial("udp", *addr)
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *addr, err)
		}
		defer c.Close()
		conn = c
	}

	opts := []depthnet.SenderOption{}
	if *record != "" {
		f, err := os.Create(*record)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *record, err)
		}
		defer f.Close()
		rec, err := depthnet.NewRecorder(f, depthnet.DefaultPort)
		if err != nil {
			log.Fatalf("failed to start recording: %v", err)
		}
		opts = append(opts, depthnet.WithRecorder(rec))
	}
	if conn == nil && *record == "" {
		log.Fatal("nothing to do: -no-send without -record")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := depthnet.NewSender(conn, opts...)
	cfg := simConfig{Mode: mode, FPS: *fps, Frames: *n, HighGain: *highGain}
	sent, err := run(ctx, sender, timeutil.RealClock{}, cfg)
	if err != nil && err != context.Canceled {
		log.Fatalf("depth-sim: %v", err)
	}
	log.Printf("sent %d frames (%d datagrams) as %s", sent, sender.Sent(), mode)
}

// run paces frames at cfg.FPS until cfg.Frames have been sent or ctx is
// done. Timestamps start at zero and follow the nominal frame period.
func run(ctx context.Context, sender *depthnet.Sender, clock timeutil.Clock, cfg simConfig) (int, error) {
	fps := cfg.FPS
	if fps <= 0 {
		fps = cfg.Mode.FPS()
	}
	period := time.Second / time.Duration(fps)
	var flags uint8
	if cfg.HighGain {
		flags |= depthnet.FlagHighGain
	}

	sc := newScene(cfg.Mode)
	sent := 0
	for cfg.Frames <= 0 || sent < cfg.Frames {
		ts := float64(sent) / float64(fps)
		for _, f := range sc.render(ts) {
			err := sender.Send(f, flags)
			sc.pool.Put(f)
			if err != nil {
				return sent, err
			}
		}
		sent++
		if sent%(fps*10) == 0 {
			log.Printf("%d frames sent", sent)
		}
		if err := clock.Sleep(ctx, period); err != nil {
			return sent, err
		}
	}
	return sent, nil
}
