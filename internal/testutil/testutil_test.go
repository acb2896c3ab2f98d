package testutil

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/depthkit/internal/frames"
)

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestAssertNoError_FailurePath(t *testing.T) {
	t.Parallel()

	AssertNoError(t, nil)
	ok := t.Run("unexpected error", func(t *testing.T) {
		AssertNoError(t, errors.New("boom"))
	})
	if ok {
		t.Fatal("expected subtest to fail when error is non-nil")
	}
}

func TestAssertError_FailurePath(t *testing.T) {
	t.Parallel()

	AssertError(t, errors.New("expected"))
	ok := t.Run("missing error", func(t *testing.T) {
		AssertError(t, nil)
	})
	if ok {
		t.Fatal("expected subtest to fail when error is nil")
	}
}

func TestNewLocalRequest(t *testing.T) {
	req := NewLocalRequest(http.MethodGet, "/debug/sensor")
	if req.RemoteAddr != "127.0.0.1:1234" || req.URL.Path != "/debug/sensor" {
		t.Errorf("request = %s %s from %s", req.Method, req.URL.Path, req.RemoteAddr)
	}
}

func TestEventually(t *testing.T) {
	n := 0
	Eventually(t, time.Second, func() bool { n++; return n >= 3 }, "counter")
	if n != 3 {
		t.Errorf("cond called %d times, want 3", n)
	}

	ok := t.Run("timeout", func(t *testing.T) {
		Eventually(t, 10*time.Millisecond, func() bool { return false }, "never")
	})
	if ok {
		t.Fatal("expected subtest to fail on timeout")
	}
}

func TestSyntheticFrames(t *testing.T) {
	d := DepthFrame(4, 2, 1.5, 800, 0, 7)
	if !d.Valid() || d.Kind != frames.KindDepth || d.Timestamp != 1.5 {
		t.Fatalf("depth frame = %v", d)
	}
	if d.At(0, 0) != 0 || d.At(3, 1) != 0 || d.At(1, 0) != 800 {
		t.Errorf("depth pixels = %v", d.Data)
	}

	ir := InfraredFrame(2, 2, 2)
	if ir.Kind != frames.KindInfrared || ir.At(1, 1) != 3 {
		t.Errorf("infrared frame = %v %v", ir, ir.Data)
	}

	c := ColorSample(3)
	if c.Timestamp() != 3 || c.Refs() != 1 {
		t.Errorf("color sample = %v refs=%d", c, c.Refs())
	}
}
