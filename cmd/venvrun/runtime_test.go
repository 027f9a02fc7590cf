package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/launch"
	"github.com/0x4D31/venvrun/internal/loader"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func serverBlock(port int, record string) string {
	return fmt.Sprintf(`server {
  host = "127.0.0.1"
  port = %d
  env  = { RECORD = %q }
}
startup {
  timeout_seconds    = 1
  stop_grace_seconds = 2
}
`, port, record)
}

func startRuntime(t *testing.T, cfgPath string) (*runtimeState, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg, err := loader.LoadMain(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loader.Merge(&cfg, loader.Overrides{}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	rt, err := newRuntime(&cfg, parsedFlags{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		rt.shutdown()
	})
	return rt, cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
		return nil
	}
}

func TestConfigReloadRestartsServer(t *testing.T) {
	dir := setupWorkDir(t, foreverScript)
	record := filepath.Join(dir, "record.txt")
	cfgPath := filepath.Join(dir, loader.DefaultConfigFile)
	writeConfig(t, cfgPath, serverBlock(freePort(t), record))

	_, cancel, done := startRuntime(t, cfgPath)
	waitFor(t, "first start", func() bool { return len(readLines(t, record)) == 1 })

	writeConfig(t, cfgPath, "server {\n  app = \"broken\"\n}\n")
	time.Sleep(500 * time.Millisecond)
	if n := len(readLines(t, record)); n != 1 {
		t.Fatalf("invalid config restarted the server: %d invocations", n)
	}

	port := freePort(t)
	writeConfig(t, cfgPath, serverBlock(port, record))
	waitFor(t, "restart", func() bool { return len(readLines(t, record)) == 2 })
	if last := readLines(t, record)[1]; !strings.HasSuffix(last, fmt.Sprintf("--port %d", port)) {
		t.Fatalf("new port not applied: %s", last)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRuntimeStatusAPI(t *testing.T) {
	dir := setupWorkDir(t, foreverScript)
	record := filepath.Join(dir, "record.txt")
	cfgPath := filepath.Join(dir, "venvrun.hcl")
	writeConfig(t, cfgPath, serverBlock(freePort(t), record)+`status {
  enabled = true
  addr    = "127.0.0.1:0"
  token   = "secret"
}
`)
	rt, _, done := startRuntime(t, cfgPath)
	waitFor(t, "start", func() bool { return len(readLines(t, record)) == 1 })

	get := func(path string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, "http://"+rt.statusSrv.Addr+path, nil)
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		return resp
	}
	resp := get("/status")
	var st launch.Status
	err := json.NewDecoder(resp.Body).Decode(&st)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.PID == 0 || st.Invocations != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	req, _ := http.NewRequest(http.MethodPost, "http://"+rt.statusSrv.Addr+"/stop", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status %d", resp.StatusCode)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewRuntimeStatusAddrInUse(t *testing.T) {
	cfg := config.Default()
	first := config.Default()
	first.Status.Enabled = true
	first.Status.Addr = "127.0.0.1:0"
	rt, err := newRuntime(&first, parsedFlags{})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.shutdown()

	cfg.Status.Enabled = true
	cfg.Status.Addr = rt.statusSrv.Addr
	if _, err := newRuntime(&cfg, parsedFlags{}); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestToRun(t *testing.T) {
	code := 1
	start := time.Unix(100, 0)
	r := toRun(launch.RunInfo{ID: "x", StartedAt: start, App: "main:app", ExitCode: &code})
	if r.EndedAt != nil || r.ExitCode == nil || *r.ExitCode != 1 || r.ID != "x" {
		t.Fatalf("unexpected run %+v", r)
	}
	r = toRun(launch.RunInfo{ID: "x", StartedAt: start, EndedAt: start.Add(time.Second)})
	if r.EndedAt == nil || r.EndedAt.Sub(start) != time.Second {
		t.Fatalf("ended %v", r.EndedAt)
	}
}
