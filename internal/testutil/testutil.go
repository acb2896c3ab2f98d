// Package testutil provides shared test helpers and synthetic sensor data.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/depthkit/internal/frames"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewLocalRequest creates a request that passes tsweb's loopback check on
// debug routes.
func NewLocalRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	return req
}

// Eventually polls cond every 5ms until it returns true or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// DepthFrame returns a depth frame of width x height where every pixel is
// mm. Pixels listed in holes are left empty.
func DepthFrame(width, height int, ts float64, mm uint16, holes ...int) *frames.Frame {
	f := &frames.Frame{
		Kind:      frames.KindDepth,
		Width:     width,
		Height:    height,
		Timestamp: ts,
		Data:      make([]uint16, width*height),
	}
	for i := range f.Data {
		f.Data[i] = mm
	}
	for _, i := range holes {
		f.Data[i] = 0
	}
	return f
}

// InfraredFrame returns an infrared frame whose pixel i holds i modulo 1024.
func InfraredFrame(width, height int, ts float64) *frames.Frame {
	f := &frames.Frame{
		Kind:      frames.KindInfrared,
		Width:     width,
		Height:    height,
		Timestamp: ts,
		Data:      make([]uint16, width*height),
	}
	for i := range f.Data {
		f.Data[i] = uint16(i % 1024)
	}
	return f
}

// ColorSample returns a 1x1 color sample with one reference owned by the
// caller.
func ColorSample(ts float64) *frames.ColorBuffer {
	return frames.NewColorBuffer(ts, 1, 1, []byte{0, 0, 0, 255}, nil)
}
