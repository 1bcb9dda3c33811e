package controller

import (
	"context"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/browser/session"
)

// Browser is the part of the session manager the controller drives.
type Browser interface {
	// EnsureOpen starts the browser with the debug port when nothing listens on it.
	EnsureOpen(ctx context.Context) bool
	// Attach connects to the running browser.
	Attach(ctx context.Context) bool
	// Reattach returns a live connection, relaunching the browser if needed.
	Reattach(ctx context.Context) bool
	// Page is the connected tab, or nil.
	Page() dom.Page
	EnsureTargetTab(ctx context.Context) error
	RestoreWorkTabs(ctx context.Context) error
	ForceReturnHome(ctx context.Context) error
	BringToFront(ctx context.Context)
	// Close stops any page load and drops the connection. The browser keeps running.
	Close()
}

type sessionBrowser struct {
	m *session.Manager
}

// NewSessionBrowser adapts a session manager to Browser.
func NewSessionBrowser(m *session.Manager) Browser {
	return sessionBrowser{m: m}
}

func (b sessionBrowser) EnsureOpen(ctx context.Context) bool { return b.m.EnsureBrowserOpen(ctx) }
func (b sessionBrowser) Attach(ctx context.Context) bool     { return b.m.AttachDriver(ctx) != nil }
func (b sessionBrowser) Reattach(ctx context.Context) bool   { return b.m.RobustDriver(ctx) != nil }

func (b sessionBrowser) Page() dom.Page {
	h := b.m.Current()
	if h == nil || h.Page() == nil {
		return nil
	}
	return h.Page()
}

func (b sessionBrowser) EnsureTargetTab(ctx context.Context) error { return b.m.EnsureTargetTab(ctx) }
func (b sessionBrowser) RestoreWorkTabs(ctx context.Context) error { return b.m.RestoreWorkTabs(ctx) }
func (b sessionBrowser) ForceReturnHome(ctx context.Context) error { return b.m.ForceReturnHome(ctx) }
func (b sessionBrowser) BringToFront(ctx context.Context)          { b.m.BringToFront(ctx) }
func (b sessionBrowser) Close()                                    { b.m.Close() }
