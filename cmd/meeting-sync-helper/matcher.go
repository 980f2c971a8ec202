// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// artifactMatcher finds recording and transcript artifacts corresponding to
// fetched calendar events, deduplicating against artifacts the system has
// already captured.
type artifactMatcher struct {
	provider Provider
	gate     *tokenGate
}

func newArtifactMatcher(provider Provider, gate *tokenGate) *artifactMatcher {
	return &artifactMatcher{provider: provider, gate: gate}
}

// matchEvent returns the candidate rows derived from one event: one row per
// surviving report, or a single unmatched row when no search ran or nothing
// was found. Search failures degrade to an unmatched candidate so one flaky
// provider lookup does not lose the whole event; only auth-refresh and store
// failures propagate and end the account's pipeline.
func (m *artifactMatcher) matchEvent(ctx context.Context, account *ConnectedAccount, event CalendarEvent, known *knownArtifacts) ([]MeetingCandidate, error) {
	base := newCandidate(account, event)

	// Ownership determines who is responsible for finding recordings: only
	// the organizer's own account searches, other accounts carry the event
	// through unmatched.
	if event.ConferenceID == "" || !strings.EqualFold(event.OrganizerEmail, account.Email) {
		return []MeetingCandidate{base}, nil
	}

	var reports []ConferenceReport
	err := m.gate.invoke(ctx, account, func(ctx context.Context, token string) error {
		var searchErr error
		reports, searchErr = m.provider.SearchReports(ctx, token, account, event)
		return searchErr
	})
	if err != nil {
		if errors.Is(err, errAuthFailed) || errors.Is(err, errStoreFailed) {
			return nil, err
		}
		logger.With(errKey, err, "account_id", account.ID, "event_id", event.ID).WarnContext(ctx, "report search failed, carrying event unmatched")
		return []MeetingCandidate{base}, nil
	}

	reports = filterReports(reports, event, known)
	if len(reports) == 0 {
		// Still emitted so downstream tracks it as scheduled but not yet
		// recorded.
		return []MeetingCandidate{base}, nil
	}

	candidates := make([]MeetingCandidate, 0, len(reports))
	for _, report := range reports {
		cand, err := m.matchReport(ctx, account, event, report, known)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// filterReports drops reports already known to the system and, for recurring
// events, reports whose record date is not this occurrence's calendar day —
// a recurring series must not claim a sibling occurrence's report.
func filterReports(reports []ConferenceReport, event CalendarEvent, known *knownArtifacts) []ConferenceReport {
	var kept []ConferenceReport
	for _, r := range reports {
		if known.hasReport(r.ID) {
			continue
		}
		if event.RecurringEventID != "" && r.Start.UTC().Day() != event.Start.UTC().Day() {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// matchReport searches recordings for one surviving report and claims the
// first unclaimed matching artifact.
func (m *artifactMatcher) matchReport(ctx context.Context, account *ConnectedAccount, event CalendarEvent, report ConferenceReport, known *knownArtifacts) (MeetingCandidate, error) {
	traits := m.provider.Traits()

	cand := newCandidate(account, event)
	reportID := report.ID
	reportStart := report.Start
	reportDuration := int(math.Round(report.End.Sub(report.Start).Minutes()))
	valid := false
	cand.ReportID = &reportID
	cand.ReportStartTime = &reportStart
	cand.ReportDuration = &reportDuration
	cand.IsValid = &valid

	nameQuery := formatRecordingTime(report.Start.UTC().Add(traits.recordingNameOffset))

	var artifacts []Artifact
	err := m.gate.invoke(ctx, account, func(ctx context.Context, token string) error {
		var searchErr error
		artifacts, searchErr = m.provider.SearchRecordings(ctx, token, account, event, report, nameQuery)
		return searchErr
	})
	if err != nil {
		if errors.Is(err, errAuthFailed) || errors.Is(err, errStoreFailed) {
			return cand, err
		}
		logger.With(errKey, err, "account_id", account.ID, "event_id", event.ID, "report_id", report.ID).WarnContext(ctx, "recording search failed for report")
		return cand, nil
	}

	matches := filterArtifacts(artifacts, traits, nameQuery, known)
	if len(matches) == 0 {
		return cand, nil
	}

	// The substring query can cross-match two meetings starting at the same
	// formatted minute; prefer an artifact whose name also carries the
	// conference identifier before falling back to the first match.
	chosen := matches[0]
	for _, a := range matches {
		if strings.Contains(a.Name, event.ConferenceID) {
			chosen = a
			break
		}
	}

	known.claimRecording(chosen.ID)
	fileID := chosen.ID
	recording := chosen
	cand.FileID = &fileID
	cand.Recording = &recording
	valid = true
	return cand, nil
}

// filterArtifacts keeps transcript-typed artifacts that are not already
// claimed and, for name-substring providers, whose name carries the
// formatted report timestamp (defends against the identifier clause
// over-matching).
func filterArtifacts(artifacts []Artifact, traits providerTraits, nameQuery string, known *knownArtifacts) []Artifact {
	var matches []Artifact
	for _, a := range artifacts {
		if !strings.Contains(strings.ToLower(a.MimeType), strings.ToLower(traits.transcriptMIME)) {
			continue
		}
		if traits.matchRecordingByName && !strings.Contains(a.Name, nameQuery) {
			continue
		}
		if known.hasRecording(a.ID) {
			continue
		}
		matches = append(matches, a)
	}
	return matches
}

// newCandidate builds the unmatched candidate row for an event.
func newCandidate(account *ConnectedAccount, event CalendarEvent) MeetingCandidate {
	return MeetingCandidate{
		EventID:      event.ConferenceID,
		ID:           event.ID,
		Topic:        event.Title,
		Description:  event.Description,
		StartTime:    event.Start,
		Duration:     durationMinutes(event.Start, event.End),
		EndTime:      event.End,
		JoinURL:      event.JoinURL,
		Participants: event.Attendees,
		Creator:      event.CreatorEmail,
		Sequence:     event.Sequence,
		Type:         account.Platform,
	}
}

// durationMinutes is round((end-start)/60000) from the sink contract.
func durationMinutes(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Minutes()))
}

// formatRecordingTime renders a timestamp the way provider artifact names
// carry it: "2006/01/02 15:04".
func formatRecordingTime(t time.Time) string {
	return t.Format("2006/01/02 15:04")
}
