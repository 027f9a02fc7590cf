// Package probe checks server ports before launch and waits for readiness
// after it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	cblog "github.com/charmbracelet/log"
)

// ErrPortInUse is returned by CheckPortFree when another listener holds the
// address.
var ErrPortInUse = errors.New("address already in use")

const (
	dialTimeout  = 500 * time.Millisecond
	pollInterval = 100 * time.Millisecond
	maxInterval  = time.Second
)

// PortStatus describes the result of a port preflight.
type PortStatus struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	InUse bool   `json:"in_use"`
	Error string `json:"error,omitempty"`
}

func (ps PortStatus) String() string {
	if ps.InUse {
		return fmt.Sprintf("port %d on %s is in use", ps.Port, ps.Host)
	}
	return fmt.Sprintf("port %d on %s is available", ps.Port, ps.Host)
}

// CheckPort binds host:port briefly to learn whether a server could bind
// it. Binding is used instead of dialing so that listeners on another
// interface covering a wildcard host are detected too.
func CheckPort(host string, port int) PortStatus {
	st := PortStatus{Host: host, Port: port}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		st.Error = err.Error()
		st.InUse = errors.Is(err, syscall.EADDRINUSE)
		return st
	}
	_ = ln.Close()
	return st
}

// CheckPortFree returns ErrPortInUse when host:port cannot be bound because
// another listener holds it, and any other bind error as is.
func CheckPortFree(host string, port int) error {
	st := CheckPort(host, port)
	if st.InUse {
		return fmt.Errorf("%s: %w", net.JoinHostPort(host, strconv.Itoa(port)), ErrPortInUse)
	}
	if st.Error != "" {
		return fmt.Errorf("preflight %s: %s", net.JoinHostPort(host, strconv.Itoa(port)), st.Error)
	}
	return nil
}

// DialHost maps wildcard bind hosts to the loopback address a client can
// dial.
func DialHost(host string) string {
	switch host {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::", "[::]":
		return "::1"
	}
	return host
}

// WaitListening polls host:port until it accepts TCP connections or ctx is
// done.
func WaitListening(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(DialHost(host), strconv.Itoa(port))
	return poll(ctx, func() error {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// WaitHealthy polls url until it answers with a 2xx status or ctx is done.
func WaitHealthy(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return poll(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health %s: status %d", url, resp.StatusCode)
		}
		return nil
	})
}

// HealthURL builds the readiness URL for a server bound to host:port.
func HealthURL(host string, port int, path string) string {
	return "http://" + net.JoinHostPort(DialHost(host), strconv.Itoa(port)) + path
}

func poll(ctx context.Context, try func() error) error {
	interval := pollInterval
	var last error
	for {
		if last = try(); last == nil {
			return nil
		}
		cblog.Debugf("probe not ready: %v", last)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		case <-time.After(interval):
		}
		if interval < maxInterval {
			interval *= 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}
