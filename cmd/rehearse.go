package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/controller"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/wizard"
)

func newRehearseCmd() *cobra.Command {
	var (
		fixture string
		out     string
		row     int
		months  []string
	)
	cmd := &cobra.Command{
		Use:   "rehearse",
		Short: "Executa as etapas sobre uma página HTML salva, sem navegador",
		Long: `Carrega um snapshot HTML do formulário, executa todas as etapas do
preenchimento sobre ele e grava o HTML resultante. Útil para conferir o
comportamento depois de mudanças no portal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			selected := a.cfg.Declaration().SelectedMonths
			if cmd.Flags().Changed("months") {
				if selected, err = parseMonths(months); err != nil {
					return err
				}
			}
			if selected == nil {
				selected = append([]string(nil), config.Months...)
			}

			page, err := loadFixture(fixture)
			if err != nil {
				return err
			}

			unsubscribe := a.hub.Subscribe(stagePrinter(cmd.OutOrStdout()))
			defer unsubscribe()

			tok := interrupt.New(cmd.Context())
			ctx := tok.Context()
			if row >= 0 {
				if err := wizard.OpenDeclaration(ctx, page, tok, row); err != nil {
					return err
				}
			}
			w := wizard.New(page, a.cfg.Declaration(), a.cfg.Timeouts(), tok,
				wizard.WithLogger(a.logger),
				wizard.WithListener(a.hub))
			report, runErr := w.Run(ctx, selected)

			if err := writeRendered(cmd, page, out); err != nil {
				return err
			}
			a.logger.Info("Rehearsal finished.",
				zap.Int("mutations", page.Mutations()),
				zap.Int("clicks", len(page.Clicks())),
				zap.Stringer("stage", w.Stage()))
			printResult(cmd, controller.Result{Year: fixture, Outcome: outcomeOf(runErr), Report: report, Err: runErr})
			return runErr
		},
	}
	cmd.Flags().StringVarP(&fixture, "fixture", "f", "", "saved HTML page of the declaration form")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "where to write the resulting HTML (- for stdout)")
	cmd.Flags().IntVar(&row, "row", -1, "open this row of the declarations table first")
	cmd.Flags().StringSliceVarP(&months, "months", "m", nil, "months to fill (default: declaration.meses_selecionados)")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

func loadFixture(path string) (*dom.HTMLPage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fixture: %w", err)
	}
	defer f.Close()
	page, err := dom.NewHTMLPage(f)
	if err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return page, nil
}

func writeRendered(cmd *cobra.Command, page *dom.HTMLPage, path string) error {
	var w io.Writer = cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}
	return page.Render(w)
}

func outcomeOf(err error) controller.Outcome {
	switch {
	case err == nil:
		return controller.OutcomeCompleted
	case interrupt.IsInterrupted(err):
		return controller.OutcomeStopped
	default:
		return controller.OutcomeFailed
	}
}
