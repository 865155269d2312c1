package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/syncclient"
)

func newDeleteCmd(g *globals) *cobra.Command {
	var list string
	cmd := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete records by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			if err := runDelete(cmd.Context(), g, list, ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&list, "list", "", "period the ids belong to; checked against the loaded data when set")
	return cmd
}

// parseIDArgs accepts ids as separate arguments or comma lists.
func parseIDArgs(args []string) ([]int64, error) {
	var ids []int64
	seen := map[int64]struct{}{}
	for _, arg := range args {
		for _, part := range ledger.SplitIDs(arg) {
			id, ok := ledger.ParseID(part)
			if !ok {
				return nil, fmt.Errorf("invalid id %q", part)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids given")
	}
	return ids, nil
}

func runDelete(ctx context.Context, g *globals, list string, ids []int64) error {
	session, err := syncclient.NewSession(g.sessionOptions(false))
	if err != nil {
		return err
	}
	defer session.Close(ctx)
	if err := session.Store.FetchAll(ctx); err != nil {
		return err
	}
	list = strings.TrimSpace(list)
	for _, id := range ids {
		record, owner, ok := session.Store.FindByID(id)
		if !ok {
			return fmt.Errorf("record %d not found", id)
		}
		if list != "" && owner != list {
			return fmt.Errorf("record %d belongs to %s, not %s", id, owner, list)
		}
		if !access.CanDelete(g.policy.Current(), g.cfg.Role, record) {
			return fmt.Errorf("record %d is locked for role %q", id, g.cfg.Role)
		}
		if list == "" {
			list = owner
		}
	}
	return session.Manager.Delete(ctx, list, ids)
}
