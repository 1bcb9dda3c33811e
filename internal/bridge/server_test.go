package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/controller"
	"github.com/autoreap/autoreap/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Doubles --

type fakeBrowser struct {
	mu     sync.Mutex
	page   dom.Page
	ready  dom.Page
	closed int
	tabs   int
}

func (b *fakeBrowser) EnsureOpen(context.Context) bool { return true }

func (b *fakeBrowser) Attach(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.page = b.ready
	return b.ready != nil
}

func (b *fakeBrowser) Reattach(ctx context.Context) bool { return b.Attach(ctx) }

func (b *fakeBrowser) Page() dom.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

func (b *fakeBrowser) EnsureTargetTab(context.Context) error { return nil }

func (b *fakeBrowser) RestoreWorkTabs(context.Context) error {
	b.mu.Lock()
	b.tabs++
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) counts() (tabs, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs, b.closed
}

func (b *fakeBrowser) ForceReturnHome(context.Context) error { return nil }
func (b *fakeBrowser) BringToFront(context.Context)          {}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	b.closed++
	b.page = nil
	b.mu.Unlock()
}

// -- Helpers --

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	t := &cfg.TimeoutsCfg
	t.PollInterval = time.Millisecond
	t.ClickFallback = 20 * time.Millisecond
	t.ListOpen = 20 * time.Millisecond
	t.SearchSettle = time.Millisecond
	t.ComboRetryPause = time.Millisecond
	t.BasicMarker = 20 * time.Millisecond
	t.ActivityMarker = 20 * time.Millisecond
	t.Accordion = 20 * time.Millisecond
	t.Advance = 20 * time.Millisecond
	t.AdvanceSettle = time.Millisecond
	t.SearchAttempts = 2
	t.SearchInterval = time.Millisecond
	t.Generator = 2 * time.Second
	return cfg
}

func pendingPage(t *testing.T) *dom.HTMLPage {
	t.Helper()
	f, err := os.Open("testdata/pending.html")
	require.NoError(t, err)
	defer f.Close()
	page, err := dom.NewHTMLPage(f)
	require.NoError(t, err)
	return page
}

type fixture struct {
	browser *fakeBrowser
	ctrl    *controller.Controller
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()
	b := &fakeBrowser{ready: pendingPage(t)}
	if connected {
		b.page = b.ready
	}
	cfg := testConfig()
	hub := events.NewHub()
	logger := zap.New(zapcore.NewTee(
		zaptest.NewLogger(t).Core(),
		events.NewCore(zapcore.InfoLevel, hub),
	))
	ctrl := controller.New(cfg, b, controller.WithLogger(logger), controller.WithHub(hub))
	srv := NewServer(cfg, ctrl, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctrl.Close()
		ts.Close()
	})
	return &fixture{browser: b, ctrl: ctrl, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

// dial opens the event stream and waits until the server has registered it.
func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.server.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

// next reads messages until one of type want arrives.
func next(t *testing.T, conn *websocket.Conn, want MessageType) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg WSMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		if msg.Type == want {
			return msg
		}
	}
}

// -- Tests --

func TestDeclarations(t *testing.T) {
	t.Run("lists pending and sent rows", func(t *testing.T) {
		f := newFixture(t, true)
		resp, body := f.do(t, http.MethodGet, "/api/declarations", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		list, ok := body["declarations"].([]interface{})
		require.True(t, ok)
		require.Len(t, list, 3)
		first := list[0].(map[string]interface{})
		assert.Equal(t, "2023", first["year"])
		assert.Equal(t, true, first["sent"])
		second := list[1].(map[string]interface{})
		assert.Equal(t, "2024", second["year"])
		assert.EqualValues(t, 1, second["index"])
	})

	t.Run("not connected maps to 503", func(t *testing.T) {
		f := newFixture(t, false)
		f.browser.mu.Lock()
		f.browser.ready = nil
		f.browser.mu.Unlock()
		resp, body := f.do(t, http.MethodGet, "/api/declarations", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, body["error"], "not connected")
	})
}

func TestStartBrowserAndLogin(t *testing.T) {
	f := newFixture(t, false)
	conn := f.dial(t)

	resp, body := f.do(t, http.MethodPost, "/api/browser/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)

	// The start command waits for the login confirmation and holds the slot.
	msg := next(t, conn, MsgLog)
	assert.Contains(t, msg.Data["message"], "Faça login")
	resp, _ = f.do(t, http.MethodGet, "/api/declarations", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/login/confirm", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	msg = next(t, conn, MsgBrowser)
	assert.Equal(t, runID, msg.RunID)
	assert.Equal(t, true, msg.Data["connected"])
	f.ctrl.Wait()
	assert.NotNil(t, f.browser.Page())
}

func TestRunYear(t *testing.T) {
	t.Run("streams stage errors and the result", func(t *testing.T) {
		f := newFixture(t, true)
		conn := f.dial(t)

		resp, body := f.do(t, http.MethodPost, "/api/declarations/1/run", `{"year":"2024"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		runID := body["run_id"]

		// The pending table has no wizard behind the edit button, so the
		// first step cannot advance.
		errMsg := next(t, conn, MsgError)
		assert.Equal(t, string(events.KindTransient), errMsg.Data["kind"])
		assert.Contains(t, errMsg.Data["detail"], "did not advance")

		result := next(t, conn, MsgResult)
		assert.Equal(t, runID, result.RunID)
		assert.Equal(t, "2024", result.Data["year"])
		assert.Equal(t, "failed", result.Data["outcome"])
		assert.Equal(t, false, result.Data["complete"])
	})

	t.Run("non numeric index is not routed", func(t *testing.T) {
		f := newFixture(t, true)
		resp, _ := f.do(t, http.MethodPost, "/api/declarations/abc/run", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, true)
		resp, _ := f.do(t, http.MethodPost, "/api/declarations/1/run", `{"year":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStopTabsAndHome(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodPost, "/api/tabs", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	tabs, _ := f.browser.counts()
	assert.Equal(t, 1, tabs)

	resp, _ = f.do(t, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, closed := f.browser.counts()
	assert.Equal(t, 1, closed)

	// Stopping dropped the driver.
	resp, _ = f.do(t, http.MethodPost, "/api/tabs", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/home", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSimulation(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(t, http.MethodGet, "/api/simulation", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	months, ok := body["months"].([]interface{})
	require.True(t, ok)
	require.Len(t, months, len(config.DefaultProductionMonths))
	first := months[0].(map[string]interface{})
	assert.Equal(t, config.DefaultProductionMonths[0], first["month"])
	assert.NotEmpty(t, first["rows"])
	assert.NotEmpty(t, body["total"])
}

func TestEventStreamLifecycle(t *testing.T) {
	f := newFixture(t, false)
	conn := f.dial(t)
	assert.Equal(t, 1, f.ctrl.Hub().Len())

	f.ctrl.Hub().OnStageDone(events.StageAcceptance)
	msg := next(t, conn, MsgStage)
	assert.Equal(t, "acceptance", msg.Data["stage"])
	assert.NotEmpty(t, msg.Timestamp)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return f.server.Clients() == 0 && f.ctrl.Hub().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodOptions, "/api/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusOf(controller.ErrBusy))
	assert.Equal(t, http.StatusGone, statusOf(controller.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}

func TestSlowClientDropsWithoutFeedback(t *testing.T) {
	hub := events.NewHub()
	logger := zap.New(zapcore.NewTee(
		zaptest.NewLogger(t).Core(),
		events.NewCore(zapcore.DebugLevel, hub),
	))
	c := &wsClient{
		server: &Server{logger: logger},
		send:   make(chan WSMessage, 1),
		done:   make(chan struct{}),
	}
	unsubscribe := hub.Subscribe(c)
	defer unsubscribe()

	c.send <- newMessage(MsgLog, "", nil)
	logger.Info("Etapa concluída.")
	logger.Warn("Outra linha.")
	assert.Equal(t, int64(2), c.dropped.Load())

	// Draining makes room for the drop report, which reaches the hub once.
	<-c.send
	c.reportDropped()
	assert.Zero(t, c.dropped.Load())
	require.Len(t, c.send, 1)
	msg := <-c.send
	assert.Equal(t, MsgLog, msg.Type)
	assert.Equal(t, "WebSocket client fell behind; messages dropped.", msg.Data["message"])
}
