package devserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/f4ah6o/devserver-go/internal/config"
)

// syncBuffer lets the access log be written from server goroutines while the
// test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	*Server
	baseURL string
	cancel  context.CancelFunc
	done    chan error
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func startServer(t *testing.T, root string, mutate func(*config.Config), logger *log.Logger) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Port = 0
	cfg.Bind = "127.0.0.1"
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, root, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Root() != root {
		t.Fatalf("Root() = %q, want %q", srv.Root(), root)
	}
	if got := srv.State(); got != Starting {
		t.Fatalf("State() = %s, want starting", got)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if got := srv.State(); got != Serving {
		t.Fatalf("State() = %s, want serving", got)
	}
	if srv.Port() == 0 {
		t.Fatal("Port() = 0 after Listen")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server:  srv,
		baseURL: "http://" + srv.Addr().String(),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { ts.done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
	})
	return ts
}

func scenarioRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range map[string]string{
		"index.html": "<h1>Hi</h1>",
		"app.js":     "console.log(1)",
	} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return root
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp, string(body)
}

func TestEndToEnd(t *testing.T) {
	ts := startServer(t, scenarioRoot(t), nil, nil)

	resp, body := get(t, ts.baseURL+"/index.html")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /index.html status = %d", resp.StatusCode)
	}
	if body != "<h1>Hi</h1>" {
		t.Errorf("GET /index.html body = %q", body)
	}
	assertNoCache(t, resp.Header)

	resp, body = get(t, ts.baseURL+"/app.js")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /app.js status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/javascript" {
		t.Errorf("GET /app.js Content-Type = %q", got)
	}
	if body != "console.log(1)" {
		t.Errorf("GET /app.js body = %q", body)
	}
	assertNoCache(t, resp.Header)

	resp, _ = get(t, ts.baseURL+"/missing.txt")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing.txt status = %d, want 404", resp.StatusCode)
	}
	assertNoCache(t, resp.Header)

	ts.stop(t)
	if got := ts.State(); got != Terminated {
		t.Errorf("State() after stop = %s, want terminated", got)
	}
}

func TestPersistentConnectionOrder(t *testing.T) {
	root := t.TempDir()
	for i, body := range []string{"first", "second"} {
		name := filepath.Join(root, fmt.Sprintf("%d.txt", i))
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ts := startServer(t, root, nil, nil)

	conn, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	// Both requests go out before any response is read.
	reqs := "GET /0.txt HTTP/1.1\r\nHost: localhost\r\n\r\n" +
		"GET /1.txt HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if _, err := io.WriteString(conn, reqs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	br := bufio.NewReader(conn)
	for i, want := range []string{"first", "second"} {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("ReadResponse %d: %v", i, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK || string(body) != want {
			t.Errorf("response %d = %d %q, want 200 %q", i, resp.StatusCode, body, want)
		}
		assertNoCache(t, resp.Header)
	}
}

func TestSerialMode(t *testing.T) {
	ts := startServer(t, scenarioRoot(t), func(c *config.Config) { c.Serial = true }, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.baseURL + "/app.js")
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if _, err := io.Copy(io.Discard, resp.Body); err != nil {
				errs <- err
				return
			}
			if !resp.Close {
				errs <- errors.New("serial response did not close the connection")
			}
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	ts.stop(t)
}

func TestBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := config.Default()
	cfg.Bind = "127.0.0.1"
	cfg.Port = busy.Addr().(*net.TCPAddr).Port

	srv, err := New(cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = srv.Listen()
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Listen() error = %v, want *BindError", err)
	}
	if bindErr.Addr != cfg.Addr() {
		t.Errorf("BindError.Addr = %q, want %q", bindErr.Addr, cfg.Addr())
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("BindError does not unwrap to *net.OpError: %v", err)
	}
	if got := srv.State(); got != Terminated {
		t.Errorf("State() = %s, want terminated", got)
	}
	if srv.Addr() != nil || srv.Port() != 0 {
		t.Errorf("Addr() = %v, Port() = %d, want nil and 0", srv.Addr(), srv.Port())
	}
	if err := srv.Listen(); err == nil {
		t.Error("second Listen() after failure should error")
	}
}

func TestServeBeforeListen(t *testing.T) {
	srv, err := New(config.Default(), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("Serve() before Listen() should fail")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = -5
	if _, err := New(cfg, t.TempDir(), nil); err == nil {
		t.Error("New() should reject an invalid port")
	}
}

func TestShutdownWhenIdle(t *testing.T) {
	ts := startServer(t, scenarioRoot(t), nil, nil)
	addr := ts.Addr().String()

	ts.stop(t)

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestAccessLog(t *testing.T) {
	root := scenarioRoot(t)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), bytes.Repeat([]byte("x"), 1500), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf syncBuffer
	ts := startServer(t, root, nil, log.New(&buf, "", 0))

	get(t, ts.baseURL+"/big.txt")
	get(t, ts.baseURL+"/missing.txt")
	ts.stop(t)

	out := buf.String()
	for _, want := range []string{
		`"GET /big.txt HTTP/1.1" 200 1,500 bytes`,
		`"GET /missing.txt HTTP/1.1" 404`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("access log missing %q:\n%s", want, out)
		}
	}
}

func TestAccessLogQuiet(t *testing.T) {
	var buf syncBuffer
	ts := startServer(t, scenarioRoot(t), func(c *config.Config) { c.Quiet = true }, log.New(&buf, "", 0))

	get(t, ts.baseURL+"/app.js")
	ts.stop(t)

	if out := buf.String(); out != "" {
		t.Errorf("quiet server logged: %q", out)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Starting, "starting"},
		{Serving, "serving"},
		{Terminated, "terminated"},
		{State(7), "State(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
