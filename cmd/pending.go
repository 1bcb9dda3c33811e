package cmd

import (
	"fmt"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/autoreap/autoreap/internal/wizard"
)

func newPendingCmd() *cobra.Command {
	var (
		forceNew bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Lista as declarações pendentes e enviadas da aba do PesqBrasil",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			ctrl, _, release := a.newController(cmd.Context())
			defer release()

			found, err := ctrl.Search(cmd.Context(), forceNew)
			if err != nil {
				return err
			}
			if asJSON {
				if found == nil {
					found = []wizard.Declaration{}
				}
				enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(found)
			}
			return printDeclarations(cmd, found)
		},
	}
	cmd.Flags().BoolVar(&forceNew, "force-new", false, "return to the declaration tab before scanning")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDeclarations(cmd *cobra.Command, found []wizard.Declaration) error {
	if len(found) == 0 {
		printf(cmd.OutOrStdout(), "Nenhuma pendência encontrada.\n")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINHA\tEXERCÍCIO\tSITUAÇÃO")
	for _, d := range found {
		status := "Pendente"
		if d.Sent {
			status = "Enviado"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", d.Index, d.Year, status)
	}
	return tw.Flush()
}
