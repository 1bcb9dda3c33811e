package cmd

import (
	"fmt"
	"math/rand"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/production"
)

func newSimulateCmd() *cobra.Command {
	var (
		seed   int64
		months []string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simula a produção anual sem abrir o navegador",
		Long: `Gera os lançamentos de produção de cada mês com as mesmas regras do
preenchimento (espécies, pesos, faixa de valor e total exato) e mostra o
resultado mês a mês e o total anual.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			decl := a.cfg.Declaration()
			_, selected, _ := decl.MonthPlan()
			if cmd.Flags().Changed("months") {
				if selected, err = parseMonths(months); err != nil {
					return err
				}
			}

			opts := []production.Option{
				production.WithTimeout(a.cfg.Timeouts().Generator),
				production.WithLogger(a.logger),
			}
			if cmd.Flags().Changed("seed") {
				opts = append(opts, production.WithRand(rand.New(rand.NewSource(seed))))
			}
			tok := interrupt.New(cmd.Context())
			sim, err := production.NewGenerator(decl, tok, opts...).Simulate(tok.Context(), selected)
			if err != nil {
				return err
			}
			return printSimulation(cmd, sim)
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed for a reproducible simulation")
	cmd.Flags().StringSliceVarP(&months, "months", "m", nil, "months to simulate (default: declaration.meses_producao)")
	return cmd
}

func printSimulation(cmd *cobra.Command, sim production.Simulation) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, b := range sim.Months {
		note := ""
		if b.Fallback {
			note = " (aproximado)"
		}
		fmt.Fprintf(tw, "%s%s\t\t\t\t\n", b.Month, note)
		fmt.Fprintln(tw, "Espécie\tUnidade\tQtd\tPreço\t")
		for _, r := range b.Rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", r.Species, r.Unit, r.Quantity, r.Price)
		}
		fmt.Fprintf(tw, "Total do mês\t\t\tR$ %s\t\n\t\t\t\t\n", production.FormatCents(b.TotalCents))
	}
	fmt.Fprintf(tw, "TOTAL ANUAL\t\t\tR$ %s\t\n", production.FormatCents(sim.TotalCents))
	if sim.Fallbacks > 0 {
		fmt.Fprintf(tw, "Meses aproximados\t\t\t%d\t\n", sim.Fallbacks)
	}
	return tw.Flush()
}
