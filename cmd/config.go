package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autoreap/autoreap/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Mostra e gerencia as configurações",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Mostra a configuração efetiva em YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Mostra onde as configurações da declaração são salvas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", a.cfg.DeclarationFile())
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Grava a configuração atual da declaração, se ainda não existir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			file := a.cfg.DeclarationFile()
			if _, err := os.Stat(file); err == nil && !force {
				return fmt.Errorf("%s já existe (use --force para sobrescrever)", file)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.SaveDeclaration(file, a.cfg.Declaration()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Configurações salvas em %s\n", file)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restaura os valores padrão da declaração",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			defaults := config.DefaultDeclaration()
			if err := config.SaveDeclaration(a.cfg.DeclarationFile(), defaults); err != nil {
				return err
			}
			a.cfg.SetDeclaration(defaults)
			printf(cmd.OutOrStdout(), "Valores padrão restaurados em %s\n", a.cfg.DeclarationFile())
			return nil
		},
	}

	cmd.AddCommand(show, path, initCmd, reset)
	return cmd
}
