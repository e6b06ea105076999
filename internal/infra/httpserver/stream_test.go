package httpserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appscans "github.com/bryanwahyu/scan-orchestrator/internal/application/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/httpserver"
)

// openStream connects to a scan's event stream and returns a frame reader.
func openStream(t *testing.T, e *env, id string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/scans/"+id+"/stream", nil)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readFrame returns the next SSE frame without its trailing blank line.
func readFrame(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return strings.Join(lines, "\n")
		}
		lines = append(lines, line)
	}
}

func readData(t *testing.T, br *bufio.Reader) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, br)
		if strings.HasPrefix(frame, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, "unexpected frame %q", frame)
		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &out))
		return out
	}
}

func TestStreamForwardsUntilTerminal(t *testing.T) {
	e := newEnv(t, nil)
	code, _ := e.do(t, http.MethodPost, "/api/scans/start", startBody("s1"))
	require.Equal(t, http.StatusOK, code)

	resp, br := openStream(t, e, "s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	assert.Equal(t, map[string]any{"type": "connected", "scanId": "s1"}, readData(t, br))
	assert.Contains(t, metricsText(t, e), "scan_orchestrator_stream_subscribers 1")

	h := e.sup.handler(t, "s1")
	h.HandleStdout("booting agents")
	h.HandleStdout(`{"type":"scan_progress","data":{"progress":40}}`)
	e.sup.exit(t, "s1", 0)

	ev := readData(t, br)
	assert.Equal(t, "log", ev["type"])
	assert.Equal(t, "booting agents", ev["data"].(map[string]any)["message"])

	// the raw line is kept as a log before the structured event
	assert.Equal(t, "log", readData(t, br)["type"])
	ev = readData(t, br)
	assert.Equal(t, "scan_progress", ev["type"])
	assert.Equal(t, 40.0, ev["data"].(map[string]any)["progress"])

	ev = readData(t, br)
	assert.Equal(t, "scan_completed", ev["type"])
	assert.Equal(t, 0.0, ev["data"].(map[string]any)["exitCode"])

	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool {
		return strings.Contains(metricsText(t, e), "scan_orchestrator_stream_subscribers 0")
	}, time.Second, 10*time.Millisecond)
}

func TestStreamUnknownScan(t *testing.T) {
	e := newEnv(t, nil)
	resp, br := openStream(t, e, "ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "Scan not found", strings.TrimSpace(string(body)))
}

func TestStreamMalformedScanID(t *testing.T) {
	e := newEnv(t, nil)
	resp, _ := openStream(t, e, "-x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamTerminalScanEndsAfterConnected(t *testing.T) {
	e := newEnv(t, nil)
	code, _ := e.do(t, http.MethodPost, "/api/scans/start", startBody("done"))
	require.Equal(t, http.StatusOK, code)
	e.sup.exit(t, "done", 1)

	resp, br := openStream(t, e, "done")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", readData(t, br)["type"])
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamCancelEndsStream(t *testing.T) {
	e := newEnv(t, nil)
	code, _ := e.do(t, http.MethodPost, "/api/scans/start", startBody("c1"))
	require.Equal(t, http.StatusOK, code)

	_, br := openStream(t, e, "c1")
	require.Equal(t, "connected", readData(t, br)["type"])

	require.True(t, e.svc.CancelScan(context.Background(), "c1"))
	ev := readData(t, br)
	assert.Equal(t, "scan_cancelled", ev["type"])
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	e.sup.exit(t, "c1", -1)
}

func TestStreamKeepAlive(t *testing.T) {
	e := newEnv(t, func(_ *appscans.Service, o *httpserver.Options) {
		o.KeepAlive = 20 * time.Millisecond
	})
	code, _ := e.do(t, http.MethodPost, "/api/scans/start", startBody("k1"))
	require.Equal(t, http.StatusOK, code)

	_, br := openStream(t, e, "k1")
	require.Equal(t, "connected", readData(t, br)["type"])
	assert.Equal(t, ": keepalive", readFrame(t, br))

	e.sup.exit(t, "k1", 0)
	assert.Equal(t, "scan_completed", readData(t, br)["type"])
}

func TestStreamMultipleSubscribers(t *testing.T) {
	e := newEnv(t, nil)
	code, _ := e.do(t, http.MethodPost, "/api/scans/start", startBody("m1"))
	require.Equal(t, http.StatusOK, code)

	_, a := openStream(t, e, "m1")
	_, b := openStream(t, e, "m1")
	require.Equal(t, "connected", readData(t, a)["type"])
	require.Equal(t, "connected", readData(t, b)["type"])

	e.sup.handler(t, "m1").HandleStdout("VULNERABILITY FOUND: xss")
	e.sup.exit(t, "m1", 0)

	for _, br := range []*bufio.Reader{a, b} {
		var got []string
		for {
			ev := readData(t, br)
			got = append(got, ev["type"].(string))
			if ev["type"] == "scan_completed" {
				break
			}
		}
		assert.Equal(t, []string{"log", "scan_completed"}, got)
	}
}
