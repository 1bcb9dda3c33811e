package cmd

import (
	"github.com/spf13/cobra"

	"github.com/autoreap/autoreap/internal/bridge"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expõe a automação para uma interface gráfica via HTTP e WebSocket",
		Long: `Inicia a ponte local usada por interfaces gráficas: comandos via HTTP em
/api e eventos de log, etapa e erro em tempo real no WebSocket /api/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = a.cfg.Bridge().Listen
			}
			ctrl, _, release := a.newController(cmd.Context())
			defer release()

			srv := bridge.NewServer(a.cfg, ctrl, a.logger)
			return srv.ListenAndServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default: bridge.listen)")
	return cmd
}
