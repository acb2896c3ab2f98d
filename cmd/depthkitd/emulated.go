package main

import (
	"fmt"
	"strings"

	"github.com/banshee-data/depthkit/internal/serialmux"
)

// emulatedLink answers the control link protocol on behalf of a device that
// only exists on the frame link, such as depth-sim or a pcap replay.
type emulatedLink struct {
	*serialmux.DisabledSerialMux
	name   string
	serial string
}

func newEmulatedLink(name, serial string) *emulatedLink {
	return &emulatedLink{DisabledSerialMux: serialmux.NewDisabledSerialMux(), name: name, serial: serial}
}

func (l *emulatedLink) SendCommand(cmd string) error {
	if err := l.DisabledSerialMux.SendCommand(cmd); err != nil {
		return err
	}
	switch {
	case cmd == "HELLO":
		l.Inject(fmt.Sprintf("HELLO name=%s serial=%s fw=emulated hw=emulated power=ready", l.name, l.serial))
	case cmd == "BAT?":
		l.Inject("BAT 100")
	case strings.HasPrefix(cmd, "STREAM "), strings.HasPrefix(cmd, "GAIN "):
		l.Inject("ACK " + cmd)
	}
	return nil
}

func (l *emulatedLink) String() string {
	return fmt.Sprintf("emulated device %s (%s)", l.name, l.serial)
}
