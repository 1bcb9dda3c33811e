package cmd

import (
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Mostra o arquivo de log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			path := a.cfg.Logger().LogFile
			if path == "" {
				return fmt.Errorf("logger.log_file is not set")
			}
			out := cmd.OutOrStdout()
			if err := printLast(out, path, lines); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			t, err := tail.TailFile(path, tail.Config{
				Follow:   true,
				ReOpen:   true,
				Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
				Logger:   tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to follow log file: %w", err)
			}
			defer t.Cleanup()
			defer func() { _ = t.Stop() }()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return t.Err()
					}
					if line.Err != nil {
						return line.Err
					}
					printf(out, "%s\n", line.Text)
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines to print (0 for all)")
	return cmd
}

// printLast writes the last n lines of path, or every line when n <= 0.
func printLast(w io.Writer, path string, n int) error {
	t, err := tail.TailFile(path, tail.Config{MustExist: true, Logger: tail.DiscardingLogger})
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	defer t.Cleanup()

	var ring []string
	for line := range t.Lines {
		if line.Err != nil {
			return line.Err
		}
		ring = append(ring, line.Text)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	for _, l := range ring {
		printf(w, "%s\n", l)
	}
	return nil
}
