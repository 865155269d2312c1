package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/export"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/syncclient"
)

type pasteOptions struct {
	list  string
	input string
	keyed bool
	row   int
	col   int
}

func newPasteCmd(g *globals) *cobra.Command {
	var opts pasteOptions
	cmd := &cobra.Command{
		Use:   "paste",
		Short: "Paste the rows of an xlsx sheet into a period as if typed into the grid",
		Long: "With --keyed (the default) the first column holds record ids: rows with a\n" +
			"known id are pasted over that record and the rest are appended as new\n" +
			"records. Without it the sheet is pasted as one block at --row/--col.\n" +
			"Dates and amounts are normalized the same way grid edits are.",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runPaste(cmd.Context(), g, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pasted %d rows into %s (%d updated, %d appended, %d records)\n",
				summary.updated+summary.appended, opts.list, summary.updated, summary.appended, summary.records)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.list, "list", "", "target period (required)")
	cmd.Flags().StringVar(&opts.input, "input", "", "xlsx file whose first sheet is pasted (required)")
	cmd.Flags().BoolVar(&opts.keyed, "keyed", true, "treat the first column as record ids")
	cmd.Flags().IntVar(&opts.row, "row", 0, "unkeyed: first grid row; 0 appends after the last row")
	cmd.Flags().IntVar(&opts.col, "col", 1, "unkeyed: first grid column")
	_ = cmd.MarkFlagRequired("list")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

type pasteSummary struct {
	updated  int
	appended int
	records  int
}

func runPaste(ctx context.Context, g *globals, opts pasteOptions) (pasteSummary, error) {
	opts.list = strings.TrimSpace(opts.list)
	if opts.list == "" {
		return pasteSummary{}, fmt.Errorf("--list is required")
	}
	if opts.col < 0 || opts.col >= ledger.ColumnCount {
		return pasteSummary{}, fmt.Errorf("--col must be between 0 and %d", ledger.ColumnCount-1)
	}
	in, err := os.Open(opts.input)
	if err != nil {
		return pasteSummary{}, err
	}
	rows, err := export.ReadRows(in)
	_ = in.Close()
	if err != nil {
		return pasteSummary{}, fmt.Errorf("read %s: %w", opts.input, err)
	}

	grid := syncclient.NewMemoryGrid()
	sessionOpts := g.sessionOptions(false)
	sessionOpts.Grid = grid
	session, err := syncclient.NewSession(sessionOpts)
	if err != nil {
		return pasteSummary{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		session.Close(closeCtx)
	}()
	if err := session.Start(ctx); err != nil {
		return pasteSummary{}, err
	}

	var summary pasteSummary
	var errs []error
	if opts.keyed {
		var appended [][]string
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			if id, ok := ledger.ParseID(row[ledger.IDColumn]); ok {
				if at, found := grid.FindRow(opts.list, id); found {
					if err := pasteBlock(ctx, session, grid, opts.list, at, ledger.IDColumn+1, [][]string{row[1:]}); err != nil {
						errs = append(errs, fmt.Errorf("record %d: %w", id, err))
						continue
					}
					summary.updated++
					continue
				}
			}
			appended = append(appended, row[1:])
		}
		if len(appended) > 0 {
			if err := pasteBlock(ctx, session, grid, opts.list, appendRow(grid, opts.list), ledger.IDColumn+1, appended); err != nil {
				errs = append(errs, err)
			} else {
				summary.appended = len(appended)
			}
		}
	} else if len(rows) > 0 {
		start := opts.row
		if start <= ledger.HeaderRow {
			start = appendRow(grid, opts.list)
		}
		if err := pasteBlock(ctx, session, grid, opts.list, start, opts.col, rows); err != nil {
			errs = append(errs, err)
		} else {
			summary.appended = len(rows)
		}
	}
	summary.records = len(session.Store.Records(opts.list))
	return summary, errors.Join(errs...)
}

func appendRow(grid *syncclient.MemoryGrid, list string) int {
	if n := grid.RowCount(list); n > ledger.HeaderRow+1 {
		return n
	}
	return ledger.HeaderRow + 1
}

// pasteBlock runs one clipboard block through the bridge: lock check and
// normalization, the grid write, then the create and update calls.
func pasteBlock(ctx context.Context, session *syncclient.Session, grid *syncclient.MemoryGrid, list string, row, col int, rows [][]string) error {
	block := syncclient.Paste{List: list, Row: row, Col: col, Data: make([][]any, len(rows))}
	width := 0
	for i, cells := range rows {
		if n := ledger.ColumnCount - col; len(cells) > n {
			cells = cells[:n]
		}
		block.Data[i] = make([]any, len(cells))
		for j, cell := range cells {
			block.Data[i][j] = cell
		}
		if len(cells) > width {
			width = len(cells)
		}
	}
	if width == 0 {
		return nil
	}
	block, err := session.Bridge.BeforePaste(block)
	if err != nil {
		return err
	}
	for i, cells := range block.Data {
		for j, value := range cells {
			grid.SetCell(list, row+i, col+j, value)
		}
	}
	return session.Bridge.AfterPaste(ctx, list, row, row+len(block.Data)-1, col, col+width-1)
}
