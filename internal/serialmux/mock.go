package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads block until data is
// fed or the port is closed, like a real device; writes are captured. An
// optional OnWrite hook lets a test play the device side of a conversation.
type TestableSerialPort struct {
	mu       sync.Mutex
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readCond *sync.Cond
	closed   bool

	// WriteError, when set, is returned by every Write.
	WriteError error
	// CloseError is returned by Close.
	CloseError error
	// OnWrite is called with each written command, without its newline,
	// after the write completes and outside the port lock.
	OnWrite func(cmd string)
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, errPortClosed
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.mu.Unlock()
		return 0, err
	}
	n, _ := p.writeBuf.Write(b)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		for _, cmd := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
			hook(cmd)
		}
	}
	return n, nil
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// Feed queues a device line for reading. A trailing newline is added when
// missing.
func (p *TestableSerialPort) Feed(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(line)
	p.readCond.Broadcast()
}

// Written returns every command written so far, one per element.
func (p *TestableSerialPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimRight(p.writeBuf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
