//go:build unix

// Package testutil builds the hlsserve binary and drives it as a child process for
// end-to-end tests.
package testutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"example.com/hlsserve/internal/config"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

// HeaderMatcher maps header names to exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher checks a response body and explains a mismatch.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher requires the body to equal Expected byte for byte.
type ExactBodyMatcher struct {
	Expected []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(body, m.Expected) {
		return true, ""
	}
	return false, fmt.Sprintf("expected body %q, got %q", m.Expected, body)
}

// StringContainsBodyMatcher requires Substring to appear in the body.
type StringContainsBodyMatcher struct {
	Substring string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if strings.Contains(string(body), m.Substring) {
		return true, ""
	}
	return false, fmt.Sprintf("expected body to contain %q, got %q", m.Substring, body)
}

// ExpectedResponse is what a TestRequest should produce.
type ExpectedResponse struct {
	StatusCode int
	Headers    HeaderMatcher
	Body       BodyMatcher
}

// ActualResponse is what the server returned.
type ActualResponse struct {
	StatusCode int
	Proto      string
	Headers    http.Header
	Body       []byte
}

// Check compares actual against expected and returns every mismatch.
func (e ExpectedResponse) Check(actual *ActualResponse) []string {
	var problems []string
	if e.StatusCode != 0 && actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("expected status %d, got %d", e.StatusCode, actual.StatusCode))
	}
	for name, want := range e.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("expected header %s=%q, got %q", name, want, got))
		}
	}
	if e.Body != nil {
		if ok, msg := e.Body.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	return problems
}

// syncBuffer collects child process output written from exec's copy goroutines.
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

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// BuildServerBinary compiles ./cmd/server once per test process and returns the binary path.
func BuildServerBinary() (string, error) {
	buildOnce.Do(func() {
		goBin, err := exec.LookPath("go")
		if err != nil {
			buildErr = fmt.Errorf("go toolchain not found: %w", err)
			return
		}
		_, thisFile, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = errors.New("failed to determine testutil source location")
			return
		}
		projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")

		outDir, err := os.MkdirTemp("", "hlsserve-e2e-bin-")
		if err != nil {
			buildErr = fmt.Errorf("failed to create build dir: %w", err)
			return
		}
		builtBinary = filepath.Join(outDir, "hlsserve")

		cmd := exec.Command(goBin, "build", "-o", builtBinary, "./cmd/server")
		cmd.Dir = projectRoot
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
		}
	})
	return builtBinary, buildErr
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes cfg into dir in the given format and returns the file path.
func WriteTempConfig(dir string, cfg *config.Config, format string) (string, error) {
	var buf bytes.Buffer
	if err := config.Encode(&buf, cfg, format); err != nil {
		return "", fmt.Errorf("failed to encode config as %s: %w", format, err)
	}
	path := filepath.Join(dir, "hlsserve."+format)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return path, nil
}

// ServerInstance is a running hlsserve child process.
type ServerInstance struct {
	Cmd     *exec.Cmd
	Address string
	Logs    *syncBuffer

	waitErr error
	exited  chan struct{}
}

// Launch starts the binary without waiting for it to listen. env entries are appended
// to the current environment.
func Launch(binary string, address string, env []string, args ...string) (*ServerInstance, error) {
	if binary == "" {
		return nil, errors.New("binary path cannot be empty")
	}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	// Keep a stray .env in the working directory out of the test.
	cmd.Dir = os.TempDir()

	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	s := &ServerInstance{Cmd: cmd, Address: address, Logs: logs, exited: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	return s, nil
}

// StartTestServer launches the binary and waits until its address accepts connections.
func StartTestServer(binary string, address string, env []string, args ...string) (*ServerInstance, error) {
	s, err := Launch(binary, address, env, args...)
	if err != nil {
		return nil, err
	}
	if err := s.WaitReady(10 * time.Second); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// WaitReady polls the listen address until it accepts a connection, the process exits,
// or timeout passes.
func (s *ServerInstance) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-s.exited:
			return fmt.Errorf("server exited before becoming ready: %v. Logs captured:\n%s", s.waitErr, s.Logs.String())
		default:
		}
		conn, err := net.DialTimeout("tcp", s.Address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready at %s after %v: %v. Logs captured:\n%s", s.Address, timeout, lastErr, s.Logs.String())
}

// Signal delivers sig to the server process.
func (s *ServerInstance) Signal(sig unix.Signal) error {
	return unix.Kill(s.Cmd.Process.Pid, sig)
}

// Wait blocks until the process exits or timeout passes and returns its exit code.
func (s *ServerInstance) Wait(timeout time.Duration) (int, error) {
	select {
	case <-s.exited:
	default:
		select {
		case <-s.exited:
		case <-time.After(timeout):
			return -1, fmt.Errorf("process did not exit within %v", timeout)
		}
	}
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if s.waitErr != nil {
		return -1, s.waitErr
	}
	return 0, nil
}

// Stop asks the server to shut down with SIGTERM and kills it if it does not exit in time.
// It returns the exit code.
func (s *ServerInstance) Stop() (int, error) {
	select {
	case <-s.exited:
		return s.Wait(0)
	default:
	}
	if err := s.Signal(unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return -1, fmt.Errorf("failed to signal server: %w", err)
	}
	code, err := s.Wait(5 * time.Second)
	if err != nil {
		s.Cmd.Process.Kill()
		<-s.exited
		return -1, fmt.Errorf("server ignored SIGTERM and was killed. Logs captured:\n%s", s.Logs.String())
	}
	return code, nil
}

// Do executes req against the server with the Go HTTP client.
func Do(client *http.Client, address string, req TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequest(method, "http://"+address+req.Path, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Proto: resp.Proto, Headers: resp.Header, Body: body}, nil
}

// DoRaw writes requestLine verbatim on a fresh connection, bypassing client-side path
// normalization.
func DoRaw(address, requestLine string) (*ActualResponse, error) {
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "%s\r\nHost: %s\r\nConnection: close\r\n\r\n", requestLine, address); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Proto: resp.Proto, Headers: resp.Header, Body: body}, nil
}
