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

// Package reports routes safety reports to the audience their escalation
// level names and applies moderator decisions.
//
// Levels 1 and 2 travel through the originating group. Level 3 goes to the
// moderation relays, addressed to the closed set of moderator keys, and
// never touches the household's own relays.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/hearth/backend/audit"
	"github.com/efchatnet/hearth/backend/lockmap"
	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/notify"
	"github.com/efchatnet/hearth/backend/relationships"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/storage"
	"github.com/efchatnet/hearth/backend/wire"
)

var ErrNotOutbound = errors.New("reports: only outbound reports can be routed")

// GroupLookup resolves a group's relays.
type GroupLookup interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
}

type Config struct {
	ModerationRelays []string
	ModeratorKeys    []string
}

type Router struct {
	store         storage.ReportStore
	groups        GroupLookup
	relationships *relationships.Service
	audit         *audit.Log
	transport     relay.Transport
	cfg           Config
	moderators    map[string]bool
	locks         *lockmap.Map
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time

	// Received is signalled for every new inbound report.
	Received notify.Feed[notify.ReportReceived]
}

func NewRouter(store storage.ReportStore, groups GroupLookup, rels *relationships.Service, auditLog *audit.Log, transport relay.Transport, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	moderators := make(map[string]bool, len(cfg.ModeratorKeys))
	for _, key := range cfg.ModeratorKeys {
		moderators[key] = true
	}
	return &Router{
		store:         store,
		groups:        groups,
		relationships: rels,
		audit:         auditLog,
		transport:     transport,
		cfg:           cfg,
		moderators:    moderators,
		locks:         lockmap.New(),
		metrics:       m,
		logger:        logger.With("component", "reports"),
		now:           time.Now,
	}
}

// IsModerator reports whether key belongs to the configured moderator set.
func (r *Router) IsModerator(key string) bool {
	return r.moderators[key]
}

type SubmitParams struct {
	VideoID          string             `json:"video_id"`
	SubjectHousehold string             `json:"subject_household"`
	Reason           string             `json:"reason"`
	Note             string             `json:"note,omitempty"`
	Level            models.ReportLevel `json:"level,omitempty"`
	ReporterProfile  string             `json:"reporter_profile"`
}

// SubmitReport stores the report, routes it, audits it and counts it
// against the relationship with the subject household. A report that could
// not be routed is kept and returned together with the routing error;
// RetryRouting sends it later.
func (r *Router) SubmitReport(ctx context.Context, p SubmitParams) (*models.Report, error) {
	level := p.Level
	if level == 0 {
		level = models.DefaultReportLevel
	}
	if !level.Valid() {
		return nil, fmt.Errorf("reports: %w: %d", models.ErrInvalidReportLevel, level)
	}
	if !models.ValidHouseholdKey(p.SubjectHousehold) {
		return nil, fmt.Errorf("reports: subject %q: %w", p.SubjectHousehold, models.ErrInvalidRecipientKey)
	}
	if p.ReporterProfile == "" {
		return nil, fmt.Errorf("reports: %w", models.ErrChildProfileMissing)
	}

	report := models.Report{
		ID:               uuid.New().String(),
		VideoID:          p.VideoID,
		SubjectHousehold: p.SubjectHousehold,
		SenderHousehold:  r.transport.PublicKey(),
		Reason:           p.Reason,
		Note:             p.Note,
		Level:            level,
		Audience:         models.AudienceFor(level),
		ReporterProfile:  p.ReporterProfile,
		Direction:        models.ReportOutbound,
		Status:           models.ReportPending,
		CreatedAt:        r.now().UTC(),
	}
	if rel, ok := r.relationshipFor(p.SubjectHousehold, p.ReporterProfile); ok {
		report.RelationshipID = rel.ID
		report.GroupID = rel.GroupID
	}
	if _, err := r.store.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("reports: saving %s: %w", report.ID, err)
	}

	routeErr := r.route(ctx, &report)
	details := map[string]any{
		"level":    report.Level,
		"audience": report.Audience,
		"subject":  report.SubjectHousehold,
		"routed":   routeErr == nil,
	}
	if routeErr != nil {
		details["error"] = routeErr.Error()
	}
	if _, err := r.audit.LogAction(ctx, models.AuditReportSubmitted, p.ReporterProfile, models.TargetReport, report.ID, details); err != nil {
		return &report, err
	}
	if report.RelationshipID != "" {
		if err := r.relationships.IncrementLocalReportCount(ctx, report.RelationshipID); err != nil {
			return &report, err
		}
	}
	r.metrics.ReportSubmitted(int(report.Level), routeErr == nil)
	if routeErr != nil {
		r.logger.Warn("report not routed", "report_id", report.ID, "level", report.Level, "error", routeErr)
		return &report, routeErr
	}
	r.logger.Info("report submitted", "report_id", report.ID, "level", report.Level, "audience", report.Audience)
	return &report, nil
}

// relationshipFor prefers the reporting profile's own relationship with the
// subject household.
func (r *Router) relationshipFor(household, profileID string) (models.Relationship, bool) {
	rels := r.relationships.ForHousehold(household)
	for _, rel := range rels {
		if rel.ProfileID == profileID {
			return rel, true
		}
	}
	if len(rels) > 0 {
		return rels[0], true
	}
	return models.Relationship{}, false
}

// senderRelationship finds our relationship with household in groupID, or
// any relationship with it when the report names no group.
func (r *Router) senderRelationship(household, groupID string) (models.Relationship, bool) {
	if groupID == "" {
		return r.relationshipFor(household, "")
	}
	for _, rel := range r.relationships.ForHousehold(household) {
		if rel.GroupID == groupID {
			return rel, true
		}
	}
	return models.Relationship{}, false
}

// destination returns the relays and address tags for a report's level.
// Peer and guardian reports only leave through an active relationship.
func (r *Router) destination(ctx context.Context, report *models.Report) ([]string, [][]string, error) {
	tags := [][]string{{relay.TagLevel, strconv.Itoa(int(report.Level))}}
	if report.Level.RoutesToGroup() {
		if report.GroupID == "" {
			return nil, nil, fmt.Errorf("reports: %s: %w", report.ID, models.ErrGroupIdentifierMissing)
		}
		if !r.relationships.AllowsSending(report.GroupID) {
			return nil, nil, fmt.Errorf("reports: %s through group %s: %w", report.ID, report.GroupID, models.ErrRelationshipClosed)
		}
		group, err := r.groups.GetGroup(ctx, report.GroupID)
		if err != nil {
			return nil, nil, fmt.Errorf("reports: group %s: %w", report.GroupID, err)
		}
		tags = append(tags, []string{relay.TagGroup, report.GroupID}, []string{relay.TagRecipient, report.SubjectHousehold})
		return group.Relays, tags, nil
	}
	for _, key := range r.cfg.ModeratorKeys {
		tags = append(tags, []string{relay.TagRecipient, key})
	}
	return r.cfg.ModerationRelays, tags, nil
}

func (r *Router) route(ctx context.Context, report *models.Report) error {
	relays, tags, err := r.destination(ctx, report)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		return fmt.Errorf("reports: %s: no destination relays: %w", report.ID, models.ErrRelaysUnavailable)
	}
	payload := &wire.ReportPayload{
		Version:           wire.Version,
		VideoID:           report.VideoID,
		Subject:           report.SubjectHousehold,
		Reason:            report.Reason,
		Note:              report.Note,
		Sender:            report.SenderHousehold,
		Timestamp:         report.CreatedAt.Unix(),
		Level:             wire.LevelPtr(report.Level),
		RecipientAudience: string(report.Audience),
		ReporterProfile:   report.ReporterProfile,
		ReportID:          report.ID,
		GroupID:           report.GroupID,
	}
	ev, err := wire.Encode(payload, tags)
	if err != nil {
		return err
	}
	_, results := r.transport.Publish(ctx, ev, relays)
	if len(relay.Accepted(results)) == 0 {
		return fmt.Errorf("reports: %s: %w", report.ID, models.ErrRelaysUnavailable)
	}
	routedAt := r.now().UTC()
	if err := r.store.MarkReportRouted(ctx, report.ID, routedAt); err != nil {
		return fmt.Errorf("reports: marking %s routed: %w", report.ID, err)
	}
	report.RoutedAt = &routedAt
	return nil
}

// RetryRouting resends an outbound report that has not been routed yet.
func (r *Router) RetryRouting(ctx context.Context, id string) (*models.Report, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	report, err := r.store.GetReport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reports: %s: %w", id, err)
	}
	if report.Direction != models.ReportOutbound {
		return nil, ErrNotOutbound
	}
	if report.RoutedAt != nil {
		return report, nil
	}
	if report.GroupID == "" && report.Level.RoutesToGroup() {
		if rel, ok := r.relationshipFor(report.SubjectHousehold, report.ReporterProfile); ok {
			report.GroupID = rel.GroupID
		}
	}
	if err := r.route(ctx, report); err != nil {
		r.metrics.ReportSubmitted(int(report.Level), false)
		return report, err
	}
	r.metrics.ReportSubmitted(int(report.Level), true)
	r.logger.Info("report routed on retry", "report_id", id)
	return report, nil
}

// Ingest records a report received from another household. Reports without
// an explicit level are level 1. Peer and guardian reports are ignored
// unless their sender is the remote household of an active relationship;
// moderator reports are ignored unless this household is a moderator, and
// attach to a relationship only under the same condition. Redeliveries of a
// known report id are ignored.
func (r *Router) Ingest(ctx context.Context, ev relay.Event, p *wire.ReportPayload) (*models.Report, error) {
	if ev.Author == r.transport.PublicKey() {
		return nil, nil
	}
	level, err := p.ResolvedLevel()
	if err != nil {
		return nil, fmt.Errorf("reports: event %s: %w", ev.ID, err)
	}
	audience := models.AudienceFor(level)
	if p.RecipientAudience != "" && models.Audience(p.RecipientAudience) != audience {
		r.logger.Warn("report audience disagrees with level", "event_id", ev.ID, "level", level, "audience", p.RecipientAudience)
	}

	groupID := p.GroupID
	if groupID == "" {
		groupID = ev.Tag(relay.TagGroup)
	}
	if !level.RoutesToGroup() && !r.IsModerator(r.transport.PublicKey()) {
		r.logger.Debug("ignoring moderator report addressed to a household", "event_id", ev.ID, "author", ev.Author)
		return nil, nil
	}
	// Only the remote household of an open relationship may attach a
	// report to it.
	rel, ok := r.senderRelationship(ev.Author, groupID)
	ok = ok && !r.relationships.Stale() && rel.State.AllowsReceiving()
	if level.RoutesToGroup() && !ok {
		r.logger.Debug("ignoring report outside an active relationship", "event_id", ev.ID, "group_id", groupID)
		return nil, nil
	}

	id := p.ReportID
	if id == "" {
		id = ev.ID
	}
	created := ev.CreatedAt
	if p.Timestamp > 0 {
		created = time.Unix(p.Timestamp, 0)
	}
	report := models.Report{
		ID:               id,
		VideoID:          p.VideoID,
		SubjectHousehold: p.Subject,
		SenderHousehold:  ev.Author,
		Reason:           p.Reason,
		Note:             p.Note,
		Level:            level,
		Audience:         audience,
		ReporterProfile:  p.ReporterProfile,
		GroupID:          groupID,
		Direction:        models.ReportInbound,
		Status:           models.ReportPending,
		CreatedAt:        created.UTC(),
	}
	if ok {
		report.RelationshipID = rel.ID
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	isNew, err := r.store.SaveReport(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("reports: saving %s: %w", id, err)
	}
	if !isNew {
		return nil, nil
	}
	if report.RelationshipID != "" {
		if err := r.relationships.IncrementRemoteReportCount(ctx, report.RelationshipID); err != nil {
			return nil, err
		}
	}
	if _, err := r.audit.LogAction(ctx, models.AuditReportReceived, ev.Author, models.TargetReport, id, map[string]any{
		"level":    level,
		"audience": audience,
		"subject":  report.SubjectHousehold,
	}); err != nil {
		return nil, err
	}
	r.metrics.ReportReceived(int(level))
	r.Received.Send(notify.ReportReceived{
		ReportID:         id,
		Level:            level,
		Audience:         audience,
		SubjectHousehold: report.SubjectHousehold,
		SenderHousehold:  ev.Author,
		GroupID:          groupID,
	})
	r.logger.Info("report received", "report_id", id, "level", level)
	return &report, nil
}

// IngestModeratorAction applies a moderator's decision to a report. Actions
// signed by a key outside the moderator set, or claiming another moderator,
// are dropped with a single audit entry and never applied.
func (r *Router) IngestModeratorAction(ctx context.Context, ev relay.Event, p *wire.ModeratorActionPayload) error {
	if !r.moderators[ev.Author] || p.ModeratorKey != ev.Author || !p.Action.Valid() {
		r.metrics.ModeratorActionDropped()
		r.logger.Warn("dropping moderator action", "event_id", ev.ID, "author", ev.Author, "report_id", p.ReportID)
		_, err := r.audit.LogAction(ctx, models.AuditModeratorActionDropped, ev.Author, models.TargetReport, p.ReportID, map[string]string{
			"event_id":    ev.ID,
			"claimed_key": p.ModeratorKey,
			"action":      string(p.Action),
			"authorized":  strconv.FormatBool(r.moderators[ev.Author]),
		})
		return err
	}

	unlock := r.locks.Lock(p.ReportID)
	defer unlock()
	if _, err := r.store.GetReport(ctx, p.ReportID); err != nil {
		return fmt.Errorf("reports: moderator action for %s: %w", p.ReportID, err)
	}
	if err := r.store.UpdateReportStatus(ctx, p.ReportID, models.ReportActioned); err != nil {
		return fmt.Errorf("reports: actioning %s: %w", p.ReportID, err)
	}
	_, err := r.audit.LogAction(ctx, models.AuditModeratorAction, ev.Author, models.TargetReport, p.ReportID, map[string]string{
		"action":   string(p.Action),
		"reason":   p.Reason,
		"video_id": p.VideoID,
	})
	if err != nil {
		return err
	}
	r.logger.Info("moderator action applied", "report_id", p.ReportID, "action", p.Action)
	return nil
}

// UpdateStatus records a local decision about a report.
func (r *Router) UpdateStatus(ctx context.Context, id string, status models.ReportStatus, actor string) (*models.Report, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("reports: %w: %q", models.ErrInvalidReportStatus, status)
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	report, err := r.store.GetReport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reports: %s: %w", id, err)
	}
	if report.Status == status {
		return report, nil
	}
	if err := r.store.UpdateReportStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("reports: %s: %w", id, err)
	}
	if _, err := r.audit.LogAction(ctx, models.AuditReportStatusChanged, actor, models.TargetReport, id,
		map[string]string{"from": string(report.Status), "to": string(status)}); err != nil {
		return nil, err
	}
	report.Status = status
	return report, nil
}

func (r *Router) Get(ctx context.Context, id string) (*models.Report, error) {
	return r.store.GetReport(ctx, id)
}

func (r *Router) ReportsForRelationship(ctx context.Context, relationshipID string) ([]models.Report, error) {
	return r.store.ReportsForRelationship(ctx, relationshipID)
}
