package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/export"
)

type exportOptions struct {
	output string
	admin  bool
}

func newExportCmd(g *globals) *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every visible period to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runExport(cmd.Context(), g, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.output)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.output, "output", "", "xlsx file to write (required)")
	cmd.Flags().BoolVar(&opts.admin, "admin", false, "read the unrestricted view (elevated roles only)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runExport(ctx context.Context, g *globals, opts exportOptions) error {
	if opts.admin && !g.elevated() {
		return fmt.Errorf("role %q cannot read the unrestricted view", g.cfg.Role)
	}
	lists, err := g.httpClient().FetchAll(ctx, opts.admin)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(opts.output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := opts.output + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := export.Write(file, lists); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write workbook: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, opts.output)
}
