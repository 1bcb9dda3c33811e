package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/observability"
)

type contextKey string

const appKey contextKey = "app"

var cfgFile string

// app is what PersistentPreRunE hands to every subcommand.
type app struct {
	cfg    *config.Config
	hub    *events.Hub
	logger *zap.Logger
}

// rootCmd is rebuilt by tests through NewRootCommand.
var rootCmd = NewRootCommand()

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "autoreap",
		Short:         "AutoREAP preenche a declaração anual de pesca (REAP) no PesqBrasil.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			a.logger.Debug("Starting autoreap", zap.String("version", Version))
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./autoreap.yaml or ~/.autoreap/autoreap.yaml)")
	cmd.PersistentFlags().String("log-level", "", "override logger.level")

	cmd.AddCommand(
		newRunCmd(),
		newPendingCmd(),
		newBrowserCmd(),
		newSimulateCmd(),
		newRehearseCmd(),
		newConfigCmd(),
		newLogsCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command with ctx, which should be cancelled on SIGINT.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Erro:", err)
		return err
	}
	return nil
}

// loadApp resolves configuration and initializes the logger, teeing every
// entry into the hub.
func loadApp(cmd *cobra.Command) (*app, error) {
	v := viper.New()
	config.SetDefaults(v)
	if err := initializeConfig(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoreap"})
		return nil, fmt.Errorf("failed to load or validate config: %w", err)
	}

	hub := events.NewHub()
	observability.InitializeLogger(cfg.Logger(), events.NewCore(observability.Level(), hub))
	return &app{cfg: cfg, hub: hub, logger: observability.GetLogger()}, nil
}

// initializeConfig reads .env, the config file, the environment and the
// persisted declaration settings into v, in increasing precedence except for
// the declaration file which overlays the declaration section.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Expand("~/.autoreap"); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("autoreap")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("AUTOREAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("logger.level", f.Value.String())
	}

	path, err := homedir.Expand(v.GetString("declaration_file"))
	if err != nil {
		return fmt.Errorf("expanding declaration_file: %w", err)
	}
	return config.MergeDeclarationFile(v, path)
}

// getApp returns what PersistentPreRunE stored on the command context.
func getApp(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("configuration not loaded")
	}
	return a, nil
}

// printf writes to the command's stdout, ignoring write errors.
func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
