package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// TestFlagDefaults verifies the flags that change behaviour when left unset.
func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configFile)
	assert.Equal(t, "", *pcapFile)
	assert.Equal(t, 1.0, *pcapSpeed)
	assert.Equal(t, "", *journalPath)
	assert.Equal(t, "localhost:8081", *adminListen)
	assert.Equal(t, overrides{}, flagOverrides())
}

func TestLoadConfig_Defaults(t *testing.T) {
	quietLogs(t)

	cfg, err := loadConfig("", overrides{})
	require.NoError(t, err)
	assert.Equal(t, "pathfinder", cfg.Mode)
	assert.Equal(t, "0.0.0.0:2900", cfg.Receive)
	assert.Equal(t, "0.0.0.0:41214", cfg.Send)
}

func TestLoadConfig_OverridesFile(t *testing.T) {
	quietLogs(t)

	path := filepath.Join(t.TempDir(), "rfi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: vdif
receive: 0.0.0.0:3000
num_receive_threads: 2
`), 0o644))

	cfg, err := loadConfig(path, overrides{mode: "chime", send: "127.0.0.1:5000", threads: 4})
	require.NoError(t, err)
	assert.Equal(t, "chime", cfg.Mode)
	assert.Equal(t, "0.0.0.0:3000", cfg.Receive)
	assert.Equal(t, "127.0.0.1:5000", cfg.Send)
	assert.Equal(t, 4, cfg.NumReceiveThreads)

	addrs, err := cfg.ReceiveAddrs()
	require.NoError(t, err)
	ports, err := receivePorts(addrs)
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 3001, 3002, 3003}, ports)
}

func TestLoadConfig_Invalid(t *testing.T) {
	quietLogs(t)

	_, err := loadConfig("", overrides{mode: "baseband"})
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), overrides{})
	assert.Error(t, err)
}

func TestReceivePorts_Invalid(t *testing.T) {
	_, err := receivePorts([]string{"no-port"})
	assert.Error(t, err)
	_, err = receivePorts([]string{"host:abc"})
	assert.Error(t, err)
}

func TestServeHTTP_StopsOnCancel(t *testing.T) {
	quietLogs(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusTeapot
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serveHTTP did not return")
	}
}

func TestServeHTTP_ListenError(t *testing.T) {
	quietLogs(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = serveHTTP(context.Background(), ln.Addr().String(), http.NotFoundHandler())
	assert.Error(t, err)
}
