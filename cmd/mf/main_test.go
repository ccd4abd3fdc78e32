package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/objones25/mfsgd/test/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRatings = `0 0 5
0 1 3
1 0 4
1 2 1
2 1 2
2 2 5
`

func writeRatings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratings.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleRatings), 0o644))
	return path
}

func TestRun(t *testing.T) {
	testutil.QuietLogs(t, zerolog.WarnLevel)
	t.Setenv("MF_CONFIG", "")
	t.Setenv("MF_LOGGING__LEVEL", "warn")
	t.Setenv("MF_MODEL__RANK", "2")

	t.Run("Memory_Backend", func(t *testing.T) {
		var out bytes.Buffer
		err := run(context.Background(), []string{"-data", writeRatings(t), "-epochs", "3"}, &out)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 5)
		assert.Equal(t, "Round SquareLoss FullLoss NumSamples", lines[0])
		assert.True(t, strings.HasPrefix(lines[4], "3 "))
		assert.True(t, strings.HasSuffix(lines[4], " 6"))
	})

	t.Run("Redis_Backend_With_Cache", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		t.Setenv("MF_STORE__BACKEND", "redis")
		t.Setenv("MF_STORE__REDIS__HOST", mr.Host())
		t.Setenv("MF_STORE__REDIS__PORT", mr.Port())
		t.Setenv("MF_STORE__CACHE__ENABLED", "true")

		var out bytes.Buffer
		err = run(context.Background(), []string{"-data", writeRatings(t), "-epochs", "2"}, &out)
		require.NoError(t, err)

		assert.True(t, mr.Exists("mf:L:0"))
		assert.True(t, mr.Exists("mf:R:2"))
		assert.Contains(t, out.String(), "Round SquareLoss FullLoss NumSamples")
	})

	t.Run("Missing_Data", func(t *testing.T) {
		var out bytes.Buffer
		err := run(context.Background(), []string{"-data", filepath.Join(t.TempDir(), "none.txt")}, &out)
		assert.Error(t, err)
	})

	t.Run("Bad_Flag", func(t *testing.T) {
		var out bytes.Buffer
		err := run(context.Background(), []string{"-nope"}, &out)
		assert.Error(t, err)
	})
}

func TestStopMetrics(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	var logs bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stopMetrics(ctx, srv, zerolog.New(&logs))
	close(release)

	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "Metrics listener shutdown failed")
}
