package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/sigcomm"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"
)

// captureFatal replaces logFatal for the duration of the test and returns the
// messages it was called with.
func captureFatal(t *testing.T) *[]string {
	var msgs []string
	orig := logFatal
	logFatal = func(l log15.Logger, msg string, ctx ...interface{}) {
		msgs = append(msgs, msg)
	}
	t.Cleanup(func() { logFatal = orig })
	return &msgs
}

func setLauncherEnv(t *testing.T, localRank, localSize string) {
	t.Setenv(sigcomm.EnvLocalRank, localRank)
	t.Setenv(sigcomm.EnvLocalSize, localSize)
	t.Setenv(sigcomm.EnvWorkerID, "0")
	t.Setenv(sigcomm.EnvNumWorkers, "1")
	t.Setenv(sigcomm.EnvMode, "")
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	require.Equal(t, "", cfg.mode)
	require.Equal(t, sigcomm.DefaultSocketPrefix, cfg.prefix)
	require.Equal(t, time.Minute, cfg.peerTimeout)
	require.False(t, cfg.election)

	cfg, err = parseFlags([]string{"-mode", "group", "-prefix", "/run/sig_", "-peer-timeout", "5s", "-lock-election", "-v"})
	require.NoError(t, err)
	require.Equal(t, sigcomm.ModeGroup, cfg.mode)
	require.Equal(t, "/run/sig_", cfg.prefix)
	require.Equal(t, 5*time.Second, cfg.peerTimeout)
	require.True(t, cfg.election)
	require.True(t, cfg.verbose)

	_, err = parseFlags([]string{"-mode", "smoke"})
	require.Error(t, err)
	_, err = parseFlags([]string{"-bogus"})
	require.Error(t, err)
}

func TestRunSingleProcessHost(t *testing.T) {
	fatals := captureFatal(t)
	setLauncherEnv(t, "0", "1")

	cfg := config{prefix: filepath.Join(t.TempDir(), "s"), peerTimeout: time.Second}
	require.NoError(t, run(context.Background(), log15.New(), clock.RealClock{}, cfg))
	require.Empty(t, *fatals)
}

func TestRunMissingEnv(t *testing.T) {
	fatals := captureFatal(t)
	setLauncherEnv(t, "0", "1")
	os.Unsetenv(sigcomm.EnvNumWorkers)

	cfg := config{prefix: filepath.Join(t.TempDir(), "s"), peerTimeout: time.Second}
	err := run(context.Background(), log15.New(), clock.RealClock{}, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), sigcomm.EnvNumWorkers)
	require.Equal(t, []string{"control channel failure"}, *fatals)
}

// bindPeer binds a live endpoint for local rank r, replacing anything stale.
func bindPeer(t *testing.T, prefix string, r int) *net.UnixConn {
	path := sigcomm.EndpointPath(prefix, r)
	os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// leaveStaleSocket leaves a socket file at local rank r's endpoint with
// nobody bound to it, as a crashed process would.
func leaveStaleSocket(t *testing.T, prefix string, r int) {
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sigcomm.EndpointPath(prefix, r), Net: "unixgram"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	_, err = os.Stat(sigcomm.EndpointPath(prefix, r))
	require.NoError(t, err)
}

func TestRunWaitsForRestartedPeer(t *testing.T) {
	fatals := captureFatal(t)
	setLauncherEnv(t, "1", "2")
	prefix := filepath.Join(t.TempDir(), "s")
	leaveStaleSocket(t, prefix, 0)

	done := make(chan error, 1)
	go func() {
		cfg := config{prefix: prefix, peerTimeout: 10 * time.Second}
		done <- run(context.Background(), log15.New(), clock.RealClock{}, cfg)
	}()

	// a few polls go by with only the stale socket present
	select {
	case err := <-done:
		t.Fatalf("coordinator did not wait for the restarted peer: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	peer := bindPeer(t, prefix, 0)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, sigcomm.MaxSignalLen)
	n, _, err := peer.ReadFromUnix(buf)
	require.NoError(t, err)
	require.Equal(t, readyToken, buf[:n])

	require.NoError(t, <-done)
	require.Empty(t, *fatals)
}

func TestWaitForEndpoints(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "s")
	id, err := sigcomm.Resolve(2, 3, 0, 1)
	require.NoError(t, err)
	fc := testclock.NewFakeClock(time.Now())

	done := make(chan error, 1)
	go func() {
		done <- waitForEndpoints(context.Background(), fc, prefix, id)
	}()

	for r := 0; r < 2; r++ {
		require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
		select {
		case err := <-done:
			t.Fatalf("returned early with %d endpoints missing: %v", 2-r, err)
		default:
		}
		bindPeer(t, prefix, r)
		fc.Step(50 * time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waitForEndpoints did not return")
	}
}

func TestWaitForEndpointsTimeout(t *testing.T) {
	id, err := sigcomm.Resolve(1, 2, 0, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = waitForEndpoints(ctx, testclock.NewFakeClock(time.Now()), filepath.Join(t.TempDir(), "s"), id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "local rank 0")
}
