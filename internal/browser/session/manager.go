// internal/browser/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/observability"
)

var (
	// ErrNoBrowser is returned when no browser is listening on the debug port
	// and none could be launched.
	ErrNoBrowser = errors.New("browser not reachable on debug port")
	// ErrAttach is returned when the driver cannot attach to a live page tab.
	ErrAttach = errors.New("failed to attach driver")
)

// IsDisconnected reports errors meaning the browser or its tab is gone and the
// driver has to be attached again.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrNoBrowser) ||
		errors.Is(err, ErrAttach) ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrInvalidContext)
}

// Handle is an attached driver: one CDP connection bound to one page tab.
type Handle struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	targetID    target.ID
	page        *Page
}

// Context returns the tab context carrying the CDP executor.
func (h *Handle) Context() context.Context { return h.ctx }

// TargetID returns the attached tab.
func (h *Handle) TargetID() target.ID { return h.targetID }

// Page returns the document of the attached tab.
func (h *Handle) Page() *Page { return h.page }

// Alive checks the tab with a title read.
func (h *Handle) Alive(ctx context.Context, timeout time.Duration) bool {
	if h == nil {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, cancelRun := CombineContext(h.ctx, opCtx)
	defer cancelRun()
	var title string
	return chromedp.Run(runCtx, chromedp.Title(&title)) == nil
}

// detach drops the connection. The tab and the browser stay open: the tab
// context is the first context on its allocator, so chromedp does not close
// the target on cancel.
func (h *Handle) detach() {
	if h == nil {
		return
	}
	h.cancel()
	h.allocCancel()
}

// -- Manager --

// Manager owns the operator's Chrome instance: it launches it with a remote
// debugging port, attaches a driver to an existing tab and recovers from
// zombie sessions. Public methods degrade to bool/nil instead of failing.
type Manager struct {
	cfg      config.BrowserConfig
	timeouts config.TimeoutConfig
	logger   *zap.Logger

	mu     sync.Mutex
	handle *Handle

	// Overridable for tests.
	goos    string
	exists  func(path string) bool
	start   func(name string, args []string) error
	kill    func(name string, args []string) error
	attachF func(ctx context.Context) (*Handle, error)
}

// NewManager creates a manager for the configured browser.
func NewManager(cfg config.BrowserConfig, timeouts config.TimeoutConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = observability.GetLogger()
	}
	m := &Manager{
		cfg:      cfg,
		timeouts: timeouts,
		logger:   logger.Named("session"),
		goos:     runtime.GOOS,
		exists:   fileExists,
		start:    startDetached,
		kill:     runCommand,
	}
	m.attachF = m.attach
	return m
}

// Current returns the attached handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Manager) setHandle(h *Handle) {
	m.mu.Lock()
	old := m.handle
	m.handle = h
	m.mu.Unlock()
	if old != nil && old != h {
		old.detach()
	}
}

// -- Process Lifecycle --

// EnsureBrowserOpen returns true if the debug port already accepts
// connections. Otherwise it launches the first installed executable with a
// dedicated profile and the opening URLs, then polls the port.
func (m *Manager) EnsureBrowserOpen(ctx context.Context) bool {
	if m.portOpen(ctx) {
		return true
	}

	exe := m.executable()
	if exe == "" {
		m.logger.Error("Nenhum executável do Chrome encontrado.", zap.Strings("candidates", m.cfg.Executables))
		return false
	}
	if err := os.MkdirAll(m.cfg.ProfileDir, 0o755); err != nil {
		m.logger.Error("Não foi possível criar o diretório de perfil.", zap.String("dir", m.cfg.ProfileDir), zap.Error(err))
		return false
	}

	m.logger.Info("Abrindo o Chrome...", observability.Tag(events.TagInfo), zap.String("executable", exe))
	if err := m.start(exe, m.launchArgs()); err != nil {
		m.logger.Error("Falha ao iniciar o Chrome.", zap.Error(err))
		return false
	}

	for i := 0; i < m.timeouts.PortPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.timeouts.PortPollInterval):
		}
		if m.portOpen(ctx) {
			return true
		}
	}
	m.logger.Error("A porta de depuração não respondeu a tempo.", zap.String("addr", m.cfg.DebugAddr()))
	return false
}

func (m *Manager) launchArgs() []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", m.cfg.DebugPort),
		"--user-data-dir=" + m.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--start-maximized",
		"--disable-popup-blocking",
	}
	return append(args, m.cfg.OpeningURLs...)
}

func (m *Manager) executable() string {
	for _, p := range m.cfg.Executables {
		if m.exists(p) {
			return p
		}
	}
	return ""
}

func (m *Manager) portOpen(ctx context.Context) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", m.cfg.DebugAddr())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ForceKillBrowser kills every browser process by image name. Failures are
// logged at debug level and otherwise ignored.
func (m *Manager) ForceKillBrowser() {
	m.setHandle(nil)
	name, args := m.killCommand()
	if err := m.kill(name, args); err != nil {
		m.logger.Debug("Force kill reported an error.", zap.String("command", name), zap.Error(err))
	}
}

func (m *Manager) killCommand() (string, []string) {
	if m.goos == "windows" {
		return "taskkill", []string{"/f", "/im", m.cfg.ProcessName}
	}
	return "pkill", []string{m.cfg.ProcessName}
}

// -- Driver --

// AttachDriver connects to the debug port and attaches to an existing page
// tab. It returns nil when the browser is unreachable or the tab does not
// answer the liveness check.
func (m *Manager) AttachDriver(ctx context.Context) *Handle {
	h, err := m.attachF(ctx)
	if err != nil {
		m.logger.Warn("Não foi possível conectar ao Chrome.", zap.Error(err))
		return nil
	}
	m.setHandle(h)
	return h
}

// RobustDriver returns a live driver, reattaching when needed. If attaching
// fails it kills the browser, waits, relaunches it and attaches once more.
// This is the only path that kills the operator's browser.
func (m *Manager) RobustDriver(ctx context.Context) *Handle {
	if h := m.Current(); h.Alive(ctx, m.timeouts.Liveness) {
		return h
	}
	if h := m.AttachDriver(ctx); h != nil {
		return h
	}

	m.logger.Warn("Sessão do Chrome inválida. Reiniciando o navegador...", observability.Tag(events.TagWarning))
	m.ForceKillBrowser()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(m.timeouts.RecoveryPause):
	}
	if !m.EnsureBrowserOpen(ctx) {
		m.logger.Error("Não foi possível reabrir o Chrome.", zap.Error(ErrNoBrowser))
		return nil
	}
	return m.AttachDriver(ctx)
}

func (m *Manager) attach(ctx context.Context) (*Handle, error) {
	if !m.portOpen(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrNoBrowser, m.cfg.DebugAddr())
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), m.cfg.DebugURL())

	// A throwaway first context lists the targets without creating a tab.
	listCtx, listCancel := chromedp.NewContext(allocCtx)
	opCtx, opCancel := context.WithTimeout(ctx, m.timeouts.Liveness)
	runCtx, runCancel := CombineContext(listCtx, opCtx)
	infos, err := chromedp.Targets(runCtx)
	runCancel()
	opCancel()
	listCancel()
	if err != nil {
		allocCancel()
		return nil, fmt.Errorf("%w: listing targets on %s: %v", ErrAttach, m.cfg.DebugURL(), err)
	}

	info := m.pickTarget(infos)
	if info == nil {
		allocCancel()
		return nil, fmt.Errorf("%w: no page tab open", ErrAttach)
	}

	h, err := m.bind(allocCtx, allocCancel, info.TargetID)
	if err != nil {
		return nil, err
	}
	if !h.Alive(ctx, m.timeouts.Liveness) {
		h.detach()
		return nil, fmt.Errorf("%w: tab %s did not answer the liveness check", ErrAttach, info.TargetID)
	}
	m.logger.Debug("Driver attached.", zap.String("target", string(info.TargetID)), zap.String("url", info.URL))
	return h, nil
}

func (m *Manager) bind(allocCtx context.Context, allocCancel context.CancelFunc, id target.ID) (*Handle, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(id))
	h := &Handle{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		targetID:    id,
	}
	h.page = newPage(tabCtx, m.logger)
	return h, nil
}

// pickTarget prefers the declaration tab, then any page tab.
func (m *Manager) pickTarget(infos []*target.Info) *target.Info {
	var first *target.Info
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if first == nil {
			first = info
		}
		if m.isTargetTab(info) {
			return info
		}
	}
	return first
}

// -- Window --

// BringToFront minimizes and restores the window, then activates the tab, so
// the browser surfaces above the operator's other windows. Errors are ignored.
func (m *Manager) BringToFront(ctx context.Context) {
	h := m.Current()
	if h == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, m.timeouts.Liveness)
	defer cancel()
	runCtx, cancelRun := CombineContext(h.ctx, opCtx)
	defer cancelRun()

	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		windowID, _, err := browser.GetWindowForTarget().WithTargetID(h.targetID).Do(ctx)
		if err == nil {
			_ = browser.SetWindowBounds(windowID, &browser.Bounds{WindowState: browser.WindowStateMinimized}).Do(ctx)
			_ = browser.SetWindowBounds(windowID, &browser.Bounds{WindowState: browser.WindowStateMaximized}).Do(ctx)
		}
		return page.BringToFront().Do(ctx)
	}))
	if err != nil {
		m.logger.Debug("Bring to front failed.", zap.Error(err))
	}
}

// Close stops any in-flight load and detaches the driver. The browser keeps running.
func (m *Manager) Close() {
	h := m.Current()
	if h == nil {
		return
	}
	h.page.stop()
	m.setHandle(nil)
}

// -- OS helpers --

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func startDetached(name string, args []string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func runCommand(name string, args []string) error {
	return exec.Command(name, args...).Run()
}

var _ dom.Page = (*Page)(nil)
