package sensor

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/depthkit/internal/serialmux"
	"github.com/banshee-data/depthkit/internal/stream"
)

// Control link verbs.
const (
	cmdHello      = "HELLO"
	cmdStreamStop = "STREAM STOP"
	cmdBattery    = "BAT?"

	verbHello = "HELLO"
	verbBat   = "BAT"
	verbEvent = "EVT"
	verbAck   = "ACK"
	verbNak   = "NAK"
)

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// streamStartCommand formats the command that starts streaming with cfg.
// Hole filling runs in the delivery path, so the device's filter is always
// off regardless of cfg.HoleFilter.
func streamStartCommand(cfg stream.Config) string {
	return fmt.Sprintf("STREAM START mode=%d holefilter=0 highgain=%d",
		int(cfg.Mode), flag(cfg.HighGain))
}

func gainCommand(high bool) string {
	return fmt.Sprintf("GAIN %d", flag(high))
}

// hello is the device's reply to HELLO.
type hello struct {
	info   DeviceInfo
	waking bool
}

func parseHello(l serialmux.Line) hello {
	return hello{
		info: DeviceInfo{
			Name:     l.Fields["name"],
			Serial:   l.Fields["serial"],
			Firmware: l.Fields["fw"],
			Hardware: l.Fields["hw"],
		},
		waking: l.Fields["power"] == "waking",
	}
}

// parseBattery reads "BAT <percent>", clamped to [0, 100].
func parseBattery(l serialmux.Line) (int, bool) {
	n, err := strconv.Atoi(l.Arg(0))
	if err != nil {
		return 0, false
	}
	return max(0, min(100, n)), true
}
