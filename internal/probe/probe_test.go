package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestCheckPortFreeInUse(t *testing.T) {
	ln, port := listen(t)
	defer func() { _ = ln.Close() }()

	err := CheckPortFree("127.0.0.1", port)
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if st := CheckPort("127.0.0.1", port); !st.InUse {
		t.Fatalf("status should report in use: %+v", st)
	}
}

func TestCheckPortFreeAvailable(t *testing.T) {
	ln, port := listen(t)
	_ = ln.Close()
	if err := CheckPortFree("127.0.0.1", port); err != nil {
		t.Fatalf("expected free port, got %v", err)
	}
}

func TestDialHost(t *testing.T) {
	cases := map[string]string{"0.0.0.0": "127.0.0.1", "": "127.0.0.1", "::": "::1", "10.0.0.1": "10.0.0.1"}
	for in, want := range cases {
		if got := DialHost(in); got != want {
			t.Fatalf("DialHost(%q) = %q want %q", in, got, want)
		}
	}
}

func TestWaitListening(t *testing.T) {
	ln, port := listen(t)
	_ = ln.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = l.Close() })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WaitListening(ctx, "0.0.0.0", port); err != nil {
		t.Fatalf("wait listening: %v", err)
	}
}

func TestWaitListeningTimeout(t *testing.T) {
	ln, port := listen(t)
	_ = ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := WaitListening(ctx, "127.0.0.1", port)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestWaitHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WaitHealthy(ctx, srv.Client(), srv.URL+"/health"); err != nil {
		t.Fatalf("wait healthy: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls %d", calls.Load())
	}
}

func TestHealthURL(t *testing.T) {
	if got := HealthURL("0.0.0.0", 8000, "/health"); got != "http://127.0.0.1:8000/health" {
		t.Fatalf("url %s", got)
	}
}
