// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/efchatnet/hearth/backend/audit"
)

func pruneAuditCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-audit",
		Short: "Delete audit entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.AuditRetention
			}
			if olderThan <= 0 {
				logger.Info("no retention configured, nothing to prune")
				return nil
			}

			ctx := cmd.Context()
			store, rdb, db, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			defer rdb.Close()

			n, err := audit.NewLog(store, nil, logger).Prune(ctx, olderThan)
			if err != nil {
				return err
			}
			logger.Info("audit pruned", "deleted", n, "older_than", olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "prune entries older than this (defaults to auditRetention)")
	return cmd
}
