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

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/efchatnet/hearth/backend/models"
)

const reportColumns = `id, video_id, subject_household, sender_household, reason, note, level, audience,
	reporter_profile, group_id, relationship_id, direction, status, created_at, routed_at`

func scanReport(row interface{ Scan(...any) error }) (*models.Report, error) {
	var (
		r      models.Report
		routed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.VideoID, &r.SubjectHousehold, &r.SenderHousehold, &r.Reason, &r.Note,
		&r.Level, &r.Audience, &r.ReporterProfile, &r.GroupID, &r.RelationshipID, &r.Direction,
		&r.Status, &r.CreatedAt, &routed); err != nil {
		return nil, err
	}
	if routed.Valid {
		r.RoutedAt = &routed.Time
	}
	return &r, nil
}

func (s *Store) SaveReport(ctx context.Context, r models.Report) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.VideoID, r.SubjectHousehold, r.SenderHousehold, r.Reason, r.Note, int(r.Level), r.Audience,
		r.ReporterProfile, r.GroupID, r.RelationshipID, r.Direction, r.Status, r.CreatedAt, r.RoutedAt)
	if err != nil {
		return false, wrap("save report", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("save report", err)
	}
	return n == 1, nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*models.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get report", err)
	}
	return r, nil
}

func (s *Store) MarkReportRouted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET routed_at = $2
		WHERE id = $1`,
		id, at)
	return expectRow("mark routed", res, err)
}

func (s *Store) UpdateReportStatus(ctx context.Context, id string, status models.ReportStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $2
		WHERE id = $1`,
		id, status)
	return expectRow("update report status", res, err)
}

func (s *Store) ReportsForRelationship(ctx context.Context, relationshipID string) ([]models.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE relationship_id = $1
		ORDER BY created_at`, relationshipID)
	if err != nil {
		return nil, wrap("reports for relationship", err)
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, wrap("reports for relationship", err)
		}
		out = append(out, *r)
	}
	return out, wrap("reports for relationship", rows.Err())
}
