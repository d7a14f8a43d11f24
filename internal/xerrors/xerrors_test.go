package xerrors

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
)

func framesContain(pcs []uintptr, fn string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, fn) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_CapturesCaller(t *testing.T) {
	err := New("store unreachable")
	if err.Error() != "store unreachable" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New should carry a stack")
	}
	if !framesContain(hs.StackPCs(), "TestNew_CapturesCaller") {
		t.Fatal("stack does not include the calling test")
	}
}

func TestNewf_WrapsVerb(t *testing.T) {
	err := Newf("read body: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("Newf should keep %w target in chain")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	err := Wrap(io.EOF, "decode json")
	if err.Error() != "decode json: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("Wrap lost the cause")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should record a caller pc")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(io.EOF, "redis %s", "zadd")
	if err.Error() != "redis zadd: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestEnsureTrace_DoesNotDoubleWrap(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	base := New("boom")
	if got := EnsureTrace(base); got != base {
		t.Fatal("EnsureTrace re-wrapped an error that already had a stack")
	}

	plain := errors.New("plain")
	got := EnsureTrace(plain)
	if got == plain {
		t.Fatal("EnsureTrace should add a stack to a plain error")
	}
	if !errors.Is(got, plain) {
		t.Fatal("EnsureTrace lost the cause")
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	err := WithStack(io.EOF)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("WithStack should carry a stack")
	}
}
