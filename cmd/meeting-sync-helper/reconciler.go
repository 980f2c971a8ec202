// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"time"
)

// reconciler aligns persisted meeting state with what the calendar fetch
// actually returned: duplicate report claims are collapsed, meetings that
// vanished from the calendar are soft-deleted, and every surviving candidate
// is upserted as scheduled state for the next run to diff against.
type reconciler struct {
	store MeetingStore
}

func newReconciler(store MeetingStore) *reconciler {
	return &reconciler{store: store}
}

// reconcile runs the full pass for one account. The returned candidates are
// the deduplicated set to dispatch; softDeleted counts the records marked
// deleted this run.
func (r *reconciler) reconcile(ctx context.Context, account *ConnectedAccount, candidates []MeetingCandidate, from, to time.Time) ([]MeetingCandidate, int, error) {
	candidates = dedupByReport(candidates)

	softDeleted, err := r.softDeleteVanished(ctx, account, candidates, to)
	if err != nil {
		return nil, 0, err
	}

	for _, cand := range candidates {
		if err := r.store.UpsertScheduledMeeting(ctx, recordFromCandidate(account, cand)); err != nil {
			return nil, 0, err
		}
	}
	return candidates, softDeleted, nil
}

// dedupByReport drops later candidates claiming a report identifier an
// earlier candidate already claimed. Fetch order is stable within a run, so
// first-wins keeps the earliest event associated with the report.
func dedupByReport(candidates []MeetingCandidate) []MeetingCandidate {
	seen := make(map[string]struct{}, len(candidates))
	kept := make([]MeetingCandidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.ReportID != nil {
			if _, dup := seen[*cand.ReportID]; dup {
				continue
			}
			seen[*cand.ReportID] = struct{}{}
		}
		kept = append(kept, cand)
	}
	return kept
}

// softDeleteVanished marks open scheduled meetings as deleted when the fetch
// that covers their slot no longer returned them. The diff is taken against
// the same fetched set that produced the candidates, so a fetch failure never
// reaches this point with an empty set.
func (r *reconciler) softDeleteVanished(ctx context.Context, account *ConnectedAccount, candidates []MeetingCandidate, windowTo time.Time) (int, error) {
	open, err := r.store.OpenSchedule(ctx, account.Platform, account.UserID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	// Presence is judged on the external event identifier alone: a reschedule
	// bumps the sequence but the meeting is still on the calendar, and its
	// older rows must survive for the uniqueness key to do its job.
	present := make(map[string]struct{}, len(candidates))
	for _, cand := range candidates {
		present[cand.ID] = struct{}{}
	}

	deleted := 0
	for _, rec := range open {
		// A record scheduled past the window's end was never eligible to be
		// fetched; its absence proves nothing.
		if !rec.ScheduleStart.Before(windowTo) {
			continue
		}
		if _, ok := present[rec.MeetingID]; ok {
			continue
		}
		if err := r.store.SoftDeleteMeeting(ctx, account.Platform, rec.ID); err != nil {
			return deleted, err
		}
		deleted++
		logger.With("meeting_id", rec.MeetingID, "sequence", rec.Sequence, "platform", account.Platform).
			InfoContext(ctx, "soft-deleted meeting no longer on calendar")
	}
	return deleted, nil
}

// recordFromCandidate maps a candidate onto the persisted meeting row.
func recordFromCandidate(account *ConnectedAccount, cand MeetingCandidate) MeetingRecord {
	// report_id is left to the downstream sink: the open-schedule query keys
	// on it staying null until the meeting is fully processed.
	rec := MeetingRecord{
		OrgID:            account.UserID,
		Platform:         account.Platform,
		MeetingID:        cand.ID,
		Sequence:         cand.Sequence,
		Title:            cand.Topic,
		ScheduleStart:    cand.StartTime,
		ScheduleDuration: cand.Duration,
		JoinURL:          cand.JoinURL,
	}
	if cand.ReportDuration != nil {
		rec.Duration = *cand.ReportDuration
	}
	return rec
}
