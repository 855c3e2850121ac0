package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/idxguard/index"
)

const maxLineSize = 16 << 20

type ingestResult struct {
	Read     int `json:"read"`
	Inserted int `json:"inserted"`
	Replaced int `json:"replaced"`
	Keyless  int `json:"keyless"`
	Failed   int `json:"failed"`
}

func newIngestCmd(g *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ingest [FILE]",
		Short: "Ingest JSON-lines documents",
		Long: `Ingest reads one JSON object per line from FILE, or from stdin when FILE
is omitted or "-", and writes each through the uniqueness guard. A document
whose key already exists replaces the earlier one. Maintenance runs in the
background and a final commit is made before exiting.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			s, err := g.open(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			if err := s.keeper.Start(cmd.Context()); err != nil {
				_ = s.close() // Intentionally ignore: reporting the start error
				return err
			}

			res, ingestErr := ingest(cmd, s, in)
			if err := s.close(); err != nil && ingestErr == nil {
				ingestErr = err
			}
			if ingestErr != nil {
				return ingestErr
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "read %d, inserted %d, replaced %d, keyless %d, failed %d\n",
				res.Read, res.Inserted, res.Replaced, res.Keyless, res.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func ingest(cmd *cobra.Command, s *session, r io.Reader) (ingestResult, error) {
	ctx := cmd.Context()
	var res ingestResult

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Read++

		var doc index.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			res.Failed++
			s.logger.Warn("Skipping malformed line", "line", line, "error", err)
			continue
		}

		key, keyed := doc.Key(s.cfg.KeyField)
		existed := keyed && s.keeper.Contains(ctx, key)

		if err := s.keeper.Insert(ctx, doc); err != nil {
			res.Failed++
			s.logger.Warn("Insert failed", "line", line, "error", err)
			continue
		}

		switch {
		case !keyed:
			res.Keyless++
		case existed:
			res.Replaced++
		default:
			res.Inserted++
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read input: %w", err)
	}
	return res, nil
}
