package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/controller"
	"github.com/autoreap/autoreap/internal/wizard"
)

// errNothingPending is returned by run when no declaration can be edited.
var errNothingPending = errors.New("nenhuma declaração pendente encontrada")

func newRunCmd() *cobra.Command {
	var (
		index     int
		year      string
		months    []string
		forceNew  bool
		skipLogin bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Abre o navegador, localiza a declaração pendente e preenche o formulário",
		Long: `Conecta ao Chrome com a porta de depuração, aguarda o login do operador,
lista as declarações pendentes e preenche a escolhida (por padrão a primeira
não enviada) para os meses selecionados. O envio final é sempre manual.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("months") {
				selected, err := parseMonths(months)
				if err != nil {
					return err
				}
				decl := a.cfg.Declaration()
				decl.SelectedMonths = selected
				a.cfg.SetDeclaration(decl)
			}

			ctx := cmd.Context()
			ctrl, _, release := a.newController(ctx)
			defer release()
			unsubscribe := a.hub.Subscribe(stagePrinter(cmd.OutOrStdout()))
			defer unsubscribe()

			login := terminalLogin(cmd.InOrStdin(), cmd.OutOrStdout())
			if skipLogin {
				login = loggedIn
			}
			if err := ctrl.StartBrowser(ctx, login); err != nil {
				return err
			}

			found, err := ctrl.Search(ctx, forceNew)
			if err != nil {
				return err
			}
			target, ok := pickDeclaration(found, index)
			if !ok {
				if index >= 0 {
					return fmt.Errorf("linha %d não está pendente", index)
				}
				return errNothingPending
			}
			if year != "" {
				target.Year = year
			}

			res := ctrl.RunYear(ctx, target.Index, target.Year)
			printResult(cmd, res)
			if res.Outcome == controller.OutcomeFailed {
				return res.Err
			}
			if res.Outcome == controller.OutcomeStopped {
				a.logger.Warn("Run stopped.", zap.String("run_id", res.RunID))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", -1, "row of the declarations table to fill (default: first pending)")
	cmd.Flags().StringVarP(&year, "year", "y", "", "label used in logs for the declaration year")
	cmd.Flags().StringSliceVarP(&months, "months", "m", nil, "months to fill, e.g. Janeiro,Abril (default: declaration.meses_selecionados)")
	cmd.Flags().BoolVar(&forceNew, "force-new", false, "return to the declaration tab before scanning")
	cmd.Flags().BoolVar(&skipLogin, "skip-login", false, "do not wait for login confirmation")
	return cmd
}

// pickDeclaration returns the row at index, or the first unsent row when
// index is negative. Sent rows are never picked.
func pickDeclaration(found []wizard.Declaration, index int) (wizard.Declaration, bool) {
	for _, d := range found {
		if d.Sent {
			continue
		}
		if index < 0 || d.Index == index {
			return d, true
		}
	}
	return wizard.Declaration{}, false
}

// parseMonths canonicalizes month names against the calendar, ignoring case
// and accents.
func parseMonths(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool)
	for _, raw := range in {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		month, ok := canonicalMonth(name)
		if !ok {
			return nil, fmt.Errorf("mês desconhecido: %q", name)
		}
		if !seen[month] {
			seen[month] = true
			out = append(out, month)
		}
	}
	return out, nil
}

func canonicalMonth(name string) (string, bool) {
	key := dom.Normalize(name)
	for _, m := range config.Months {
		if dom.Normalize(m) == key {
			return m, true
		}
	}
	return "", false
}

func printResult(cmd *cobra.Command, res controller.Result) {
	out := cmd.OutOrStdout()
	printf(out, "\nExercício %s: %s\n", res.Year, res.Outcome)
	r := res.Report
	if len(r.ClosedSeason) > 0 {
		printf(out, "  Defeso:    %s\n", strings.Join(r.ClosedSeason, ", "))
	}
	if len(r.Production) > 0 {
		printf(out, "  Produção:  %s\n", strings.Join(r.Production, ", "))
	}
	if len(r.Skipped) > 0 {
		printf(out, "  Ignorados: %s\n", strings.Join(r.Skipped, ", "))
	}
	if failed := r.FailedMonths(); len(failed) > 0 {
		printf(out, "  Falharam:  %s (rode novamente com --months %s)\n", strings.Join(failed, ", "), strings.Join(failed, ","))
	}
	if res.Err != nil {
		printf(out, "  Erro:      %v\n", res.Err)
	}
	if res.Complete() {
		printf(out, "Revise o formulário e clique em Enviar.\n")
	}
}
