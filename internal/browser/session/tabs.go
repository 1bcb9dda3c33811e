// internal/browser/session/tabs.go
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/observability"
)

// isTargetTab reports whether a tab shows the declaration system.
func (m *Manager) isTargetTab(info *target.Info) bool {
	u := strings.ToLower(info.URL)
	for _, kw := range m.cfg.TargetKeywords {
		if kw != "" && strings.Contains(u, strings.ToLower(kw)) {
			return true
		}
	}
	title := m.cfg.TargetTitle
	return title != "" && strings.Contains(strings.ToLower(info.Title), strings.ToLower(title))
}

func (m *Manager) targets(ctx context.Context, h *Handle) ([]*target.Info, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeouts.Liveness)
	defer cancel()
	runCtx, cancelRun := CombineContext(h.ctx, opCtx)
	defer cancelRun()
	return chromedp.Targets(runCtx)
}

func (m *Manager) createTab(ctx context.Context, h *Handle, rawURL string) (target.ID, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeouts.PageReady)
	defer cancel()
	runCtx, cancelRun := CombineContext(h.ctx, opCtx)
	defer cancelRun()

	var id target.ID
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = target.CreateTarget(rawURL).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("opening tab %s: %w", rawURL, err)
	}
	return id, nil
}

// navigate loads rawURL in the attached tab and waits for the body.
func (m *Manager) navigate(ctx context.Context, h *Handle, rawURL string) error {
	opCtx, cancel := context.WithTimeout(ctx, m.timeouts.PageReady)
	defer cancel()
	runCtx, cancelRun := CombineContext(h.ctx, opCtx)
	defer cancelRun()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %v: %w", rawURL, m.timeouts.PageReady, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", rawURL, err)
	}
	return nil
}

// switchTo rebinds the manager to another tab on the same connection.
func (m *Manager) switchTo(h *Handle, id target.ID) *Handle {
	if h.targetID == id {
		return h
	}
	h.cancel()
	tabCtx, tabCancel := chromedp.NewContext(h.allocCtx, chromedp.WithTargetID(id))
	next := &Handle{
		allocCtx:    h.allocCtx,
		allocCancel: h.allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		targetID:    id,
		page:        newPage(tabCtx, m.logger),
	}
	m.mu.Lock()
	m.handle = next
	m.mu.Unlock()
	return next
}

// EnsureTargetTab switches the driver to the declaration tab, navigating it
// to the target URL if it shows something else. When no tab matches, a new
// one is opened.
func (m *Manager) EnsureTargetTab(ctx context.Context) error {
	h := m.Current()
	if h == nil {
		return ErrAttach
	}
	infos, err := m.targets(ctx, h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttach, err)
	}

	for _, info := range infos {
		if info.Type != "page" || !m.isTargetTab(info) {
			continue
		}
		h = m.switchTo(h, info.TargetID)
		if !strings.HasPrefix(info.URL, m.cfg.TargetURL) {
			if err := m.navigate(ctx, h, m.cfg.TargetURL); err != nil {
				return err
			}
		}
		return nil
	}

	m.logger.Info("Aba do PesqBrasil não encontrada. Abrindo uma nova...", observability.Tag(events.TagInfo))
	id, err := m.createTab(ctx, h, m.cfg.TargetURL)
	if err != nil {
		return err
	}
	m.switchTo(h, id)
	return nil
}

// RestoreWorkTabs opens the work tabs that are missing, matched by host, and
// then returns to the declaration tab.
func (m *Manager) RestoreWorkTabs(ctx context.Context) error {
	h := m.Current()
	if h == nil {
		return ErrAttach
	}
	infos, err := m.targets(ctx, h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttach, err)
	}

	for _, want := range missingTabs(m.cfg.OpeningURLs, infos) {
		if _, err := m.createTab(ctx, h, want); err != nil {
			m.logger.Warn("Não foi possível abrir a aba.", zap.String("url", want), zap.Error(err))
			continue
		}
		m.logger.Info("Aba restaurada: "+want, observability.Tag(events.TagInfo))
	}
	return m.EnsureTargetTab(ctx)
}

// ForceReturnHome reloads the target URL in the declaration tab, leaving any
// half-filled declaration.
func (m *Manager) ForceReturnHome(ctx context.Context) error {
	if err := m.EnsureTargetTab(ctx); err != nil {
		return err
	}
	h := m.Current()
	if h == nil {
		return ErrAttach
	}
	if err := m.navigate(ctx, h, m.cfg.TargetURL); err != nil {
		return err
	}
	m.logger.Info("De volta à página inicial.", observability.Tag(events.TagInfo))
	return nil
}

// missingTabs returns the URLs of want whose host has no open page tab.
func missingTabs(want []string, infos []*target.Info) []string {
	open := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			open[hostOf(info.URL)] = true
		}
	}
	var missing []string
	for _, u := range want {
		if h := hostOf(u); h != "" && !open[h] {
			missing = append(missing, u)
			open[h] = true
		}
	}
	return missing
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
