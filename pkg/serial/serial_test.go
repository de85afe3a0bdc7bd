package serial

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listenUnix(t *testing.T) (string, net.Listener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

func TestDialSocketExchange(t *testing.T) {
	path, ln := listenUnix(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	cfg := DefaultConfig()
	cfg.Device = SocketPrefix + path
	cfg.ReadTimeout = 20 * time.Millisecond
	p, err := Dial(cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer p.Close()

	if !p.IsSocket() || p.Device() != cfg.Device {
		t.Fatalf("IsSocket=%v Device=%q", p.IsSocket(), p.Device())
	}

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	defer peer.Close()

	buf := make([]byte, 16)
	if _, err := p.Read(buf); !errors.Is(err, ErrTimeout) {
		t.Fatalf("idle read: err=%v want ErrTimeout", err)
	}

	if _, err := p.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(peer, got); err != nil || string(got) != "ping" {
		t.Fatalf("peer read %q err=%v", got, err)
	}

	if _, err := peer.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	p.SetReadTimeout(time.Second)
	n, err := p.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("Read %q err=%v", buf[:n], err)
	}

	peer.Close()
	if _, err := p.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("after hangup: err=%v want EOF", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path, _ := listenUnix(t)
	p, err := OpenSocket(path, Config{})
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after close: %v", err)
	}
	if _, err := p.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close: %v", err)
	}
}

func TestOpenSocketMissing(t *testing.T) {
	cfg := Config{ConnectTimeout: 60 * time.Millisecond}
	start := time.Now()
	_, err := OpenSocket(filepath.Join(t.TempDir(), "absent.sock"), cfg)
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("expected connect to be retried until the timeout")
	}
}

func TestOpenRequiresDevice(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty device")
	}
	if _, err := OpenSocket("", Config{}); err == nil {
		t.Fatal("expected error for empty socket path")
	}
}

func TestBaudRateToSpeed(t *testing.T) {
	for _, baud := range []int{9600, 57600, 115200, 230400} {
		if _, err := baudRateToSpeed(baud); err != nil {
			t.Errorf("baud %d: %v", baud, err)
		}
	}
	if _, err := baudRateToSpeed(12345); err == nil {
		t.Error("expected error for unsupported rate")
	}
}

func TestDefaultConfig(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c != DefaultConfig() {
		t.Fatalf("applyDefaults = %+v", c)
	}
}
