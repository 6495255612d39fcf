//go:build unix

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"example.com/hlsserve/e2e/testutil"
	"example.com/hlsserve/internal/config"
)

const playlist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg/001.ts\n#EXTINF:4.0,\nseg/002.ts\n#EXT-X-ENDLIST\n"

// serverBinary builds hlsserve once. E2E tests are skipped when the toolchain is unavailable.
func serverBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	bin, err := testutil.BuildServerBinary()
	if err != nil {
		t.Skipf("cannot build server binary: %v", err)
	}
	return bin
}

// newHLSTree creates a base directory with a playlist and two segments.
func newHLSTree(t *testing.T) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), "hls")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "seg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "stream.m3u8"), []byte(playlist), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "seg", "001.ts"), []byte("first-segment"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "seg", "002.ts"), []byte("second-segment"), 0o644))
	return base
}

func freeAddress(t *testing.T) string {
	t.Helper()
	port, err := testutil.GetFreePort()
	require.NoError(t, err)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func baseConfig(address, baseDir string) *config.Config {
	cfg := config.Default()
	cfg.Server.Address = &address
	cfg.HLS.BaseDirectory = baseDir
	cfg.Logging.LogLevel = config.LogLevelDebug
	return cfg
}

func startFromConfig(t *testing.T, cfg *config.Config, format string) *testutil.ServerInstance {
	t.Helper()
	path, err := testutil.WriteTempConfig(t.TempDir(), cfg, format)
	require.NoError(t, err)
	srv, err := testutil.StartTestServer(serverBinary(t), *cfg.Server.Address, nil, "--config", path, "--env-file", "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestE2E_ServesHLSTree(t *testing.T) {
	for _, format := range []string{"toml", "json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			addr := freeAddress(t)
			srv := startFromConfig(t, baseConfig(addr, newHLSTree(t)), format)
			client := &http.Client{Timeout: 5 * time.Second}

			tests := []struct {
				name     string
				request  testutil.TestRequest
				expected testutil.ExpectedResponse
			}{
				{
					name:    "playlist",
					request: testutil.TestRequest{Path: "/hls/stream.m3u8"},
					expected: testutil.ExpectedResponse{
						StatusCode: http.StatusOK,
						Headers:    testutil.HeaderMatcher{"Content-Type": "application/vnd.apple.mpegurl"},
						Body:       &testutil.ExactBodyMatcher{Expected: []byte(playlist)},
					},
				},
				{
					name:    "nested segment",
					request: testutil.TestRequest{Path: "/hls/seg/001.ts"},
					expected: testutil.ExpectedResponse{
						StatusCode: http.StatusOK,
						Headers:    testutil.HeaderMatcher{"Content-Type": "video/mp2t"},
						Body:       &testutil.ExactBodyMatcher{Expected: []byte("first-segment")},
					},
				},
				{
					name:     "missing playlist",
					request:  testutil.TestRequest{Path: "/hls/missing.m3u8"},
					expected: testutil.ExpectedResponse{StatusCode: http.StatusNotFound},
				},
				{
					name:     "outside route",
					request:  testutil.TestRequest{Path: "/stream.m3u8"},
					expected: testutil.ExpectedResponse{StatusCode: http.StatusNotFound},
				},
				{
					name:    "range",
					request: testutil.TestRequest{Path: "/hls/seg/002.ts", Headers: http.Header{"Range": {"bytes=0-5"}}},
					expected: testutil.ExpectedResponse{
						StatusCode: http.StatusPartialContent,
						Body:       &testutil.ExactBodyMatcher{Expected: []byte("second")},
					},
				},
				{
					name:     "post",
					request:  testutil.TestRequest{Method: http.MethodPost, Path: "/hls/stream.m3u8"},
					expected: testutil.ExpectedResponse{StatusCode: http.StatusMethodNotAllowed},
				},
				{
					name:    "json error",
					request: testutil.TestRequest{Path: "/hls/nope.ts", Headers: http.Header{"Accept": {"application/json"}}},
					expected: testutil.ExpectedResponse{
						StatusCode: http.StatusNotFound,
						Headers:    testutil.HeaderMatcher{"Content-Type": "application/json; charset=utf-8"},
						Body:       &testutil.StringContainsBodyMatcher{Substring: `"status_code":404`},
					},
				},
			}
			for _, tc := range tests {
				actual, err := testutil.Do(client, srv.Address, tc.request)
				require.NoError(t, err, tc.name)
				for _, problem := range tc.expected.Check(actual) {
					t.Errorf("%s: %s", tc.name, problem)
				}
			}
		})
	}
}

func TestE2E_TraversalNeverLeaks(t *testing.T) {
	base := newHLSTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(base), "secret.key"), []byte("private-key-material"), 0o600))
	srv := startFromConfig(t, baseConfig(freeAddress(t), base), "toml")

	for _, line := range []string{
		"GET /hls/../secret.key HTTP/1.1",
		"GET /hls/%2e%2e/secret.key HTTP/1.1",
		"GET /hls/seg/..%2f..%2fsecret.key HTTP/1.1",
		"GET /hls/../../../../../../etc/passwd HTTP/1.1",
		"GET /hls/%zz HTTP/1.1",
	} {
		actual, err := testutil.DoRaw(srv.Address, line)
		require.NoError(t, err, line)
		assert.Equal(t, http.StatusBadRequest, actual.StatusCode, line)
		assert.NotContains(t, string(actual.Body), "private-key-material", line)
	}

	// Still serving afterwards.
	actual, err := testutil.Do(&http.Client{Timeout: 5 * time.Second}, srv.Address, testutil.TestRequest{Path: "/hls/stream.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
}

func TestE2E_ConcurrentClients(t *testing.T) {
	srv := startFromConfig(t, baseConfig(freeAddress(t), newHLSTree(t)), "yaml")
	client := &http.Client{Timeout: 10 * time.Second}

	want := map[string]string{
		"/hls/seg/001.ts": "first-segment",
		"/hls/seg/002.ts": "second-segment",
	}
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		path := "/hls/seg/001.ts"
		if i%2 == 1 {
			path = "/hls/seg/002.ts"
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			actual, err := testutil.Do(client, srv.Address, testutil.TestRequest{Path: path})
			if err != nil {
				errs <- err
				return
			}
			if string(actual.Body) != want[path] {
				errs <- fmt.Errorf("%s: got %q", path, actual.Body)
			}
		}(path)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestE2E_FlagsAndEnvironment(t *testing.T) {
	addr := freeAddress(t)
	base := newHLSTree(t)

	srv, err := testutil.StartTestServer(serverBinary(t), addr,
		[]string{config.EnvAddress + "=" + addr, config.EnvBaseDir + "=/does/not/exist"},
		"--base-dir", base, "--env-file", "", "--log-level", "debug")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })

	actual, err := testutil.Do(&http.Client{Timeout: 5 * time.Second}, addr, testutil.TestRequest{Path: "/hls/stream.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode, "--base-dir must beat the environment")
	assert.Equal(t, playlist, string(actual.Body))
	assert.Contains(t, srv.Logs.String(), `"log_level":"DEBUG"`)
}

func TestE2E_MissingBaseDirectoryIsNotFatal(t *testing.T) {
	addr := freeAddress(t)
	missing := filepath.Join(t.TempDir(), "later")
	srv := startFromConfig(t, baseConfig(addr, missing), "toml")
	client := &http.Client{Timeout: 5 * time.Second}

	actual, err := testutil.Do(client, addr, testutil.TestRequest{Path: "/hls/stream.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, actual.StatusCode)
	assert.Contains(t, srv.Logs.String(), "Base directory is not accessible")

	require.NoError(t, os.MkdirAll(missing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(missing, "stream.m3u8"), []byte(playlist), 0o644))
	actual, err = testutil.Do(client, addr, testutil.TestRequest{Path: "/hls/stream.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
}

func TestE2E_GracefulShutdown(t *testing.T) {
	srv := startFromConfig(t, baseConfig(freeAddress(t), newHLSTree(t)), "toml")

	_, err := testutil.Do(&http.Client{Timeout: 5 * time.Second}, srv.Address, testutil.TestRequest{Path: "/hls/stream.m3u8"})
	require.NoError(t, err)

	code, err := srv.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	logs := srv.Logs.String()
	assert.Contains(t, logs, "HLS path requested")
	assert.Contains(t, logs, "Server has shut down gracefully")
}

func TestE2E_AddressInUseIsFatal(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	addr := occupied.Addr().String()

	path, err := testutil.WriteTempConfig(t.TempDir(), baseConfig(addr, newHLSTree(t)), "json")
	require.NoError(t, err)
	srv, err := testutil.Launch(serverBinary(t), addr, nil, "--config", path, "--env-file", "")
	require.NoError(t, err)

	code, err := srv.Wait(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, srv.Logs.String(), "already in use")
}

func TestE2E_InvalidConfigIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddress = \"missing-port\"\n"), 0o644))

	srv, err := testutil.Launch(serverBinary(t), "127.0.0.1:0", nil, "--config", path, "--env-file", "")
	require.NoError(t, err)

	code, err := srv.Wait(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, srv.Logs.String(), "invalid configuration")
}

func TestE2E_SIGHUPReopensLogFiles(t *testing.T) {
	logDir := t.TempDir()
	accessPath := filepath.Join(logDir, "access.log")

	cfg := baseConfig(freeAddress(t), newHLSTree(t))
	cfg.Logging.AccessLog.Target = &accessPath
	srv := startFromConfig(t, cfg, "toml")
	client := &http.Client{Timeout: 5 * time.Second}

	_, err := testutil.Do(client, srv.Address, testutil.TestRequest{Path: "/hls/seg/001.ts"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(accessPath)
		return strings.Contains(string(data), "/hls/seg/001.ts")
	}, 5*time.Second, 50*time.Millisecond)

	rotated := accessPath + ".1"
	require.NoError(t, os.Rename(accessPath, rotated))
	require.NoError(t, srv.Signal(unix.SIGHUP))
	require.Eventually(t, func() bool {
		_, err := os.Stat(accessPath)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	_, err = testutil.Do(client, srv.Address, testutil.TestRequest{Path: "/hls/seg/002.ts"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(accessPath)
		return strings.Contains(string(data), "/hls/seg/002.ts")
	}, 5*time.Second, 50*time.Millisecond)

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.NotContains(t, string(old), "/hls/seg/002.ts")
}
