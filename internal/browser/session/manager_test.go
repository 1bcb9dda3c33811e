// internal/browser/session/manager_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autoreap/autoreap/internal/config"
)

func testTimeouts() config.TimeoutConfig {
	t := config.NewDefaultConfig().Timeouts()
	t.PortPollAttempts = 20
	t.PortPollInterval = 10 * time.Millisecond
	t.RecoveryPause = time.Millisecond
	t.Liveness = 100 * time.Millisecond
	return t
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func listen(t *testing.T, port int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestManager(t *testing.T, port int) *Manager {
	cfg := config.NewDefaultConfig().Browser()
	cfg.DebugPort = port
	cfg.ProfileDir = t.TempDir()
	cfg.Executables = []string{"/missing/chrome", "/opt/chrome/chrome"}
	cfg.OpeningURLs = []string{"https://pesqbrasil.example/manutencao", "https://esocial.example/"}
	m := NewManager(cfg, testTimeouts(), zaptest.NewLogger(t))
	m.exists = func(p string) bool { return p == "/opt/chrome/chrome" }
	m.start = func(string, []string) error { return errors.New("unexpected launch") }
	m.kill = func(string, []string) error { return nil }
	return m
}

func TestEnsureBrowserOpen(t *testing.T) {
	t.Run("PortAlreadyOpen", func(t *testing.T) {
		port := freePort(t)
		listen(t, port)
		m := newTestManager(t, port)

		assert.True(t, m.EnsureBrowserOpen(context.Background()))
	})

	t.Run("LaunchesFirstExistingExecutable", func(t *testing.T) {
		port := freePort(t)
		m := newTestManager(t, port)

		var gotName string
		var gotArgs []string
		m.start = func(name string, args []string) error {
			gotName, gotArgs = name, args
			listen(t, port)
			return nil
		}

		require.True(t, m.EnsureBrowserOpen(context.Background()))
		assert.Equal(t, "/opt/chrome/chrome", gotName)
		want := []string{
			"--remote-debugging-port=" + strconv.Itoa(port),
			"--user-data-dir=" + m.cfg.ProfileDir,
			"--no-first-run",
			"--no-default-browser-check",
			"--start-maximized",
			"--disable-popup-blocking",
			"https://pesqbrasil.example/manutencao",
			"https://esocial.example/",
		}
		if diff := cmp.Diff(want, gotArgs); diff != "" {
			t.Errorf("launch args mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("NoExecutable", func(t *testing.T) {
		m := newTestManager(t, freePort(t))
		m.exists = func(string) bool { return false }

		assert.False(t, m.EnsureBrowserOpen(context.Background()))
	})

	t.Run("PortNeverOpens", func(t *testing.T) {
		m := newTestManager(t, freePort(t))
		m.timeouts.PortPollAttempts = 3
		m.start = func(string, []string) error { return nil }

		assert.False(t, m.EnsureBrowserOpen(context.Background()))
	})

	t.Run("CancelledWhilePolling", func(t *testing.T) {
		m := newTestManager(t, freePort(t))
		m.timeouts.PortPollInterval = time.Hour
		m.start = func(string, []string) error { return nil }
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.False(t, m.EnsureBrowserOpen(ctx))
	})
}

func TestForceKillBrowser(t *testing.T) {
	for _, tc := range []struct {
		goos     string
		wantName string
		wantArgs []string
	}{
		{"windows", "taskkill", []string{"/f", "/im", "chrome.exe"}},
		{"linux", "pkill", []string{"chrome.exe"}},
	} {
		t.Run(tc.goos, func(t *testing.T) {
			m := newTestManager(t, freePort(t))
			m.goos = tc.goos
			m.cfg.ProcessName = "chrome.exe"

			var name string
			var args []string
			m.kill = func(n string, a []string) error {
				name, args = n, a
				return errors.New("no process found")
			}

			assert.NotPanics(t, m.ForceKillBrowser)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func fakeHandle(id string) *Handle {
	return &Handle{targetID: target.ID(id), cancel: func() {}, allocCancel: func() {}}
}

func TestRobustDriver(t *testing.T) {
	t.Run("AttachesWithoutRecovery", func(t *testing.T) {
		m := newTestManager(t, freePort(t))
		m.kill = func(string, []string) error {
			t.Fatal("browser must not be killed")
			return nil
		}
		m.attachF = func(context.Context) (*Handle, error) { return fakeHandle("tab-1"), nil }

		h := m.RobustDriver(context.Background())
		require.NotNil(t, h)
		assert.Equal(t, target.ID("tab-1"), h.TargetID())
		assert.Same(t, h, m.Current())
	})

	t.Run("RecoversZombieSession", func(t *testing.T) {
		port := freePort(t)
		m := newTestManager(t, port)

		var mu sync.Mutex
		var steps []string
		record := func(s string) {
			mu.Lock()
			steps = append(steps, s)
			mu.Unlock()
		}
		attempts := 0
		m.attachF = func(context.Context) (*Handle, error) {
			attempts++
			record("attach")
			if attempts == 1 {
				return nil, ErrAttach
			}
			return fakeHandle("tab-2"), nil
		}
		m.kill = func(string, []string) error {
			record("kill")
			return nil
		}
		m.start = func(string, []string) error {
			record("launch")
			listen(t, port)
			return nil
		}

		h := m.RobustDriver(context.Background())
		require.NotNil(t, h)
		assert.Equal(t, []string{"attach", "kill", "launch", "attach"}, steps)
	})

	t.Run("GivesUp", func(t *testing.T) {
		m := newTestManager(t, freePort(t))
		m.exists = func(string) bool { return false }
		m.attachF = func(context.Context) (*Handle, error) { return nil, ErrAttach }

		assert.Nil(t, m.RobustDriver(context.Background()))
		assert.Nil(t, m.Current())
	})
}

func TestAttachDriverUnreachable(t *testing.T) {
	m := newTestManager(t, freePort(t))

	_, err := m.attach(context.Background())
	assert.ErrorIs(t, err, ErrNoBrowser)
	assert.Nil(t, m.AttachDriver(context.Background()))
	assert.Nil(t, m.Current())
}

func TestIsDisconnected(t *testing.T) {
	for _, err := range []error{
		chromedp.ErrChannelClosed,
		chromedp.ErrInvalidTarget,
		fmt.Errorf("evaluating //tr: %w", chromedp.ErrInvalidContext),
		fmt.Errorf("%w: 127.0.0.1:9222", ErrNoBrowser),
		ErrAttach,
	} {
		assert.True(t, IsDisconnected(err), err.Error())
	}
	assert.False(t, IsDisconnected(errors.New("element not found")))
	assert.False(t, IsDisconnected(context.DeadlineExceeded))
}

func TestTabMatching(t *testing.T) {
	m := newTestManager(t, freePort(t))

	infos := []*target.Info{
		{TargetID: "sw", Type: "service_worker", URL: "https://pesqbrasil.example/sw.js"},
		{TargetID: "gov", Type: "page", URL: "https://www.gov.example/", Title: "gov"},
		{TargetID: "reap", Type: "page", URL: "https://x.example/app", Title: "REAP - Pescador Profissional"},
	}

	assert.False(t, m.isTargetTab(infos[1]))
	assert.True(t, m.isTargetTab(infos[2]), "matched by title")
	assert.True(t, m.isTargetTab(&target.Info{URL: "https://sistemas.example/MANUTENCAO/x"}), "matched by keyword")

	assert.Equal(t, target.ID("reap"), m.pickTarget(infos).TargetID)
	assert.Equal(t, target.ID("gov"), m.pickTarget(infos[:2]).TargetID, "first page when none matches")
	assert.Nil(t, m.pickTarget(infos[:1]))
}

func TestMissingTabs(t *testing.T) {
	want := []string{
		"https://pesqbrasil.example/manutencao",
		"https://cadunico.example/",
		"https://esocial.example/portal",
		"https://cadunico.example/other",
	}
	infos := []*target.Info{
		{Type: "page", URL: "https://PESQBRASIL.example/home"},
		{Type: "iframe", URL: "https://esocial.example/"},
	}

	got := missingTabs(want, infos)
	assert.Equal(t, []string{"https://cadunico.example/", "https://esocial.example/portal"}, got)
}
