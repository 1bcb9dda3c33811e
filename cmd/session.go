package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/autoreap/autoreap/internal/browser/session"
	"github.com/autoreap/autoreap/internal/controller"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
)

// newSessionManager builds the Chrome session manager from the loaded config.
func (a *app) newSessionManager() *session.Manager {
	return session.NewManager(a.cfg.Browser(), a.cfg.Timeouts(), a.logger)
}

// newController wires a controller to a fresh session manager. The returned
// release detaches it when ctx is cancelled and closes it.
func (a *app) newController(ctx context.Context) (*controller.Controller, *session.Manager, func()) {
	m := a.newSessionManager()
	ctrl := controller.New(a.cfg, controller.NewSessionBrowser(m),
		controller.WithLogger(a.logger),
		controller.WithHub(a.hub))
	stop := context.AfterFunc(ctx, ctrl.Stop)
	return ctrl, m, func() {
		stop()
		ctrl.Close()
	}
}

// loggedIn is the LoginFunc for an already authenticated browser.
func loggedIn(context.Context) error { return nil }

// terminalLogin asks the operator to press Enter once logged in.
func terminalLogin(in io.Reader, out io.Writer) controller.LoginFunc {
	return func(ctx context.Context) error {
		printf(out, "Faça login no gov.br na janela do navegador e pressione Enter para continuar...\n")
		line := make(chan error, 1)
		go func() {
			_, err := bufio.NewReader(in).ReadString('\n')
			line <- err
		}()
		select {
		case err := <-line:
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading confirmation: %w", err)
			}
			return nil
		case <-ctx.Done():
			return interrupt.ErrInterrupted
		}
	}
}

// stagePrinter reports stage completions and failures on w.
func stagePrinter(w io.Writer) events.Listener {
	return events.Funcs{
		Stage: func(stage events.Stage) {
			if stage == events.StageDone {
				printf(w, "[OK] Declaração concluída\n")
				return
			}
			printf(w, "[OK] Etapa concluída: %s\n", stage)
		},
		Error: func(kind events.ErrorKind, detail string) {
			printf(w, "[%s] %s\n", kind, detail)
		},
	}
}
