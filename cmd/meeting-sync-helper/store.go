// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialStore persists OAuth token pairs per connected account. The token
// refresh gate takes this interface rather than mutating a shared row, so
// concurrent account pipelines cannot race on one in-memory object.
type CredentialStore interface {
	PutTokens(ctx context.Context, accountID int64, tokens TokenPair) error
}

// MeetingStore is the relational-store surface the pipeline needs. All
// methods map to single parameterized queries against the platform database.
type MeetingStore interface {
	CredentialStore

	// ListEnabledAccounts returns every connected account with is_connected
	// set, across all platforms.
	ListEnabledAccounts(ctx context.Context) ([]ConnectedAccount, error)

	// OpenSchedule returns the account's persisted meetings that are not
	// deleted, not yet summarized, and have not finished yet relative to now.
	OpenSchedule(ctx context.Context, platform Platform, orgID int64, now time.Time) ([]MeetingRecord, error)

	// KnownRecordingIDs returns all record_link values already attached to a
	// meeting for the platform.
	KnownRecordingIDs(ctx context.Context, platform Platform) ([]string, error)

	// KnownReportIDs returns all report_id values on fully processed
	// meetings for the platform.
	KnownReportIDs(ctx context.Context, platform Platform) ([]string, error)

	// SoftDeleteMeeting marks a meeting row deleted. The row is retained.
	SoftDeleteMeeting(ctx context.Context, platform Platform, meetingRowID int64) error

	// UpsertScheduledMeeting inserts or updates a meeting row keyed by
	// (org_id, meeting_id, sequence). Rows with a summary are never touched,
	// and isdeleted is never flipped back to false.
	UpsertScheduledMeeting(ctx context.Context, rec MeetingRecord) error
}

// pgxStore implements MeetingStore on a bounded pgx connection pool.
type pgxStore struct {
	pool *pgxpool.Pool
}

// Pool limits match the previous deployment of this job: the batch fans out
// across accounts, so the pool must tolerate concurrent pipelines.
const (
	storeMaxConns       = 30
	storeConnectTimeout = 8 * time.Second
	storeIdleTimeout    = 40 * time.Second
)

// newStore opens the Postgres pool and verifies connectivity.
func newStore(ctx context.Context, databaseURL string) (*pgxStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = storeMaxConns
	poolCfg.MaxConnIdleTime = storeIdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = storeConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &pgxStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *pgxStore) Close() {
	s.pool.Close()
}

// Ping reports store connectivity, used by the readiness endpoint.
func (s *pgxStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgxStore) ListEnabledAccounts(ctx context.Context) ([]ConnectedAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, account_id, access_token, refresh_token, mail, name, platform
		 FROM connected_accounts
		 WHERE is_connected = true`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing enabled accounts: %v", errStoreFailed, err)
	}
	defer rows.Close()

	var accounts []ConnectedAccount
	for rows.Next() {
		var a ConnectedAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccountID, &a.AccessToken, &a.RefreshToken, &a.Email, &a.Name, &a.Platform); err != nil {
			return nil, fmt.Errorf("%w: scanning connected account: %v", errStoreFailed, err)
		}
		a.IsConnected = true
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading connected accounts: %v", errStoreFailed, err)
	}
	return accounts, nil
}

func (s *pgxStore) OpenSchedule(ctx context.Context, platform Platform, orgID int64, now time.Time) ([]MeetingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, meeting_id, sequence, title, schedule_datetime, schedule_duration, join_url
		 FROM meetings
		 WHERE report_id IS NULL
		   AND platform = $1
		   AND isdeleted = false
		   AND org_id = $2
		   AND schedule_datetime + schedule_duration * INTERVAL '1 minute' > $3`,
		platform, orgID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting open schedule: %v", errStoreFailed, err)
	}
	defer rows.Close()

	var schedule []MeetingRecord
	for rows.Next() {
		rec := MeetingRecord{OrgID: orgID, Platform: platform}
		if err := rows.Scan(&rec.ID, &rec.MeetingID, &rec.Sequence, &rec.Title, &rec.ScheduleStart, &rec.ScheduleDuration, &rec.JoinURL); err != nil {
			return nil, fmt.Errorf("%w: scanning meeting row: %v", errStoreFailed, err)
		}
		schedule = append(schedule, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading open schedule: %v", errStoreFailed, err)
	}
	return schedule, nil
}

func (s *pgxStore) KnownRecordingIDs(ctx context.Context, platform Platform) ([]string, error) {
	return s.selectIDs(ctx,
		`SELECT record_link FROM meetings WHERE record_link IS NOT NULL AND platform = $1`,
		platform)
}

func (s *pgxStore) KnownReportIDs(ctx context.Context, platform Platform) ([]string, error) {
	return s.selectIDs(ctx,
		`SELECT report_id FROM meetings
		 WHERE summary IS NOT NULL AND summary != '' AND report_id IS NOT NULL AND platform = $1`,
		platform)
}

func (s *pgxStore) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting known artifact ids: %v", errStoreFailed, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: collecting known artifact ids: %v", errStoreFailed, err)
	}
	return ids, nil
}

func (s *pgxStore) SoftDeleteMeeting(ctx context.Context, platform Platform, meetingRowID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE meetings SET isdeleted = true WHERE id = $1 AND platform = $2`,
		meetingRowID, platform)
	if err != nil {
		return fmt.Errorf("%w: soft deleting meeting %d: %v", errStoreFailed, meetingRowID, err)
	}
	return nil
}

func (s *pgxStore) UpsertScheduledMeeting(ctx context.Context, rec MeetingRecord) error {
	// The summary guard keeps fully processed rows immutable, and isdeleted
	// is deliberately absent from the update list so soft deletion stays
	// monotonic for a given (org_id, meeting_id, sequence).
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meetings
		   (title, org_id, duration, datetime, platform, meeting_id, sequence, join_url, schedule_duration, schedule_datetime, isdeleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		 ON CONFLICT (org_id, meeting_id, sequence) DO UPDATE
		 SET title = EXCLUDED.title,
		     duration = EXCLUDED.duration,
		     datetime = EXCLUDED.datetime,
		     join_url = EXCLUDED.join_url,
		     schedule_duration = EXCLUDED.schedule_duration,
		     schedule_datetime = EXCLUDED.schedule_datetime
		 WHERE meetings.summary IS NULL OR meetings.summary = ''`,
		rec.Title, rec.OrgID, rec.Duration, rec.ScheduleStart, rec.Platform,
		rec.MeetingID, rec.Sequence, rec.JoinURL, rec.ScheduleDuration, rec.ScheduleStart)
	if err != nil {
		return fmt.Errorf("%w: upserting meeting %s seq %d: %v", errStoreFailed, rec.MeetingID, rec.Sequence, err)
	}
	return nil
}

func (s *pgxStore) PutTokens(ctx context.Context, accountID int64, tokens TokenPair) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE connected_accounts SET access_token = $1, refresh_token = $2 WHERE id = $3`,
		tokens.AccessToken, tokens.RefreshToken, accountID)
	if err != nil {
		return fmt.Errorf("%w: persisting tokens for account %d: %v", errStoreFailed, accountID, err)
	}
	return nil
}
