package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/autoreap/autoreap/internal/controller"
)

func newBrowserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Controla o Chrome usado pela automação",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "open",
			Short: "Abre o Chrome com a porta de depuração e as abas de trabalho",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp(cmd)
				if err != nil {
					return err
				}
				m := a.newSessionManager()
				defer m.Close()
				if !m.EnsureBrowserOpen(cmd.Context()) {
					return controller.ErrBrowserLaunch
				}
				printf(cmd.OutOrStdout(), "Chrome aberto em %s. Faça login antes de executar \"autoreap run\".\n", a.cfg.Browser().DebugAddr())
				return nil
			},
		},
		&cobra.Command{
			Use:   "kill",
			Short: "Encerra todos os processos do Chrome",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp(cmd)
				if err != nil {
					return err
				}
				a.newSessionManager().ForceKillBrowser()
				printf(cmd.OutOrStdout(), "Chrome encerrado.\n")
				return nil
			},
		},
		&cobra.Command{
			Use:   "front",
			Short: "Traz a janela do Chrome para frente",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp(cmd)
				if err != nil {
					return err
				}
				m := a.newSessionManager()
				defer m.Close()
				if m.RobustDriver(cmd.Context()) == nil {
					return controller.ErrNotConnected
				}
				m.BringToFront(cmd.Context())
				return nil
			},
		},
		&cobra.Command{
			Use:   "tabs",
			Short: "Reabre as abas de trabalho que estiverem faltando",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp(cmd)
				if err != nil {
					return err
				}
				ctrl, m, release := a.newController(cmd.Context())
				defer release()
				if m.RobustDriver(cmd.Context()) == nil {
					return controller.ErrNotConnected
				}
				return ctrl.OpenTabs(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "home",
			Short: "Recarrega a página inicial da declaração",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp(cmd)
				if err != nil {
					return err
				}
				ctrl, _, release := a.newController(cmd.Context())
				defer release()
				if err := ctrl.ForceReturnHome(cmd.Context()); err != nil {
					if errors.Is(err, controller.ErrNotConnected) {
						return errors.New("navegador não conectado; use \"autoreap browser open\"")
					}
					return err
				}
				return nil
			},
		},
	)
	return cmd
}
