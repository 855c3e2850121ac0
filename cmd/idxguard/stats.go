package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/idxguard/bleveindex"
	"github.com/hupe1980/idxguard/memindex"
)

type statsOutput struct {
	Backend       string          `json:"backend"`
	Dir           string          `json:"dir"`
	KeyField      string          `json:"key_field"`
	PendingWrites int             `json:"pending_writes"`
	Layout        *memindex.Stats `json:"layout,omitempty"`
	DocCount      *uint64         `json:"doc_count,omitempty"`
}

func newStatsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close() }() // Intentionally ignore: read-only

			out := statsOutput{
				Backend:       g.backend,
				Dir:           g.dir,
				KeyField:      s.cfg.KeyField,
				PendingWrites: s.keeper.Stats().PendingWrites,
			}
			switch h := s.handle.(type) {
			case *memindex.Index:
				st := h.Stats()
				out.Layout = &st
			case *bleveindex.Index:
				n, err := h.DocCount()
				if err != nil {
					return err
				}
				out.DocCount = &n
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
