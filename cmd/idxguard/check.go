package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(g *globalOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "check KEY...",
		Short: "Report whether documents with the given keys exist",
		Long: `Check prints one line per KEY: the key, a tab, and "present" or "absent".
With --quiet nothing is printed and the command fails if any key is absent.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close() }() // Intentionally ignore: nothing was written

			missing := 0
			for _, key := range args {
				state := "present"
				if !s.keeper.Contains(cmd.Context(), key) {
					state = "absent"
					missing++
				}
				if !quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, state)
				}
			}

			if quiet && missing > 0 {
				return fmt.Errorf("%d of %d keys absent", missing, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print nothing; fail if any key is absent")
	return cmd
}
