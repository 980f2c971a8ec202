// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func gmeetTestTraits() providerTraits {
	return providerTraits{
		windowBack:           2 * 24 * time.Hour,
		windowForward:        14 * 24 * time.Hour,
		recordingNameOffset:  -4 * time.Hour,
		transcriptMIME:       "application/vnd.google-apps.document",
		matchRecordingByName: true,
	}
}

func testEvent() CalendarEvent {
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	return CalendarEvent{
		ID:             "evt-1",
		Title:          "Weekly sync",
		Start:          start,
		End:            start.Add(30 * time.Minute),
		OrganizerEmail: "organizer@example.com",
		CreatorEmail:   "organizer@example.com",
		JoinURL:        "https://meet.example.com/abc",
		ConferenceID:   "abc-defg-hij",
		Sequence:       3,
	}
}

func newTestMatcher(p *fakeProvider) *artifactMatcher {
	gate := newTokenGate(&fakeStore{}, p.RefreshToken)
	return newArtifactMatcher(p, gate)
}

func TestMatchEventNonOrganizerSkipsSearch(t *testing.T) {
	searched := false
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, event CalendarEvent) ([]ConferenceReport, error) {
			searched = true
			return nil, nil
		},
	}
	m := newTestMatcher(p)

	account := testAccount(PlatformGmeet)
	event := testEvent()
	event.OrganizerEmail = "someone-else@example.com"

	cands, err := m.matchEvent(context.Background(), account, event, newKnownArtifacts(nil, nil))
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	if searched {
		t.Error("report search ran for an event the account does not organize")
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if cands[0].IsValid != nil || cands[0].ReportID != nil || cands[0].FileID != nil {
		t.Error("unmatched candidate carries match fields")
	}
	if cands[0].Topic != "Weekly sync" || cands[0].Duration != 30 {
		t.Errorf("candidate basics wrong: %+v", cands[0])
	}
}

func TestMatchEventClaimsArtifact(t *testing.T) {
	event := testEvent()
	reportStart := event.Start.Add(2 * time.Minute)
	wantName := formatRecordingTime(reportStart.UTC().Add(-4 * time.Hour))

	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-1", Start: reportStart, End: reportStart.Add(28 * time.Minute)}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			if nameQuery != wantName {
				t.Errorf("nameQuery = %q, want %q", nameQuery, wantName)
			}
			return []Artifact{
				{ID: "file-video", Name: "Weekly sync (" + nameQuery + ")", MimeType: "video/mp4"},
				{ID: "file-doc", Name: "Weekly sync (" + nameQuery + ") - Transcript", MimeType: "application/vnd.google-apps.document"},
			}, nil
		},
	}
	m := newTestMatcher(p)

	known := newKnownArtifacts(nil, nil)
	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, known)
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	c := cands[0]
	if c.IsValid == nil || !*c.IsValid {
		t.Error("candidate not marked valid")
	}
	if c.FileID == nil || *c.FileID != "file-doc" {
		t.Errorf("fileId = %v, want file-doc (video mime must be rejected)", c.FileID)
	}
	if c.ReportID == nil || *c.ReportID != "report-1" {
		t.Errorf("reportId = %v, want report-1", c.ReportID)
	}
	if c.ReportDuration == nil || *c.ReportDuration != 28 {
		t.Errorf("report duration = %v, want 28", c.ReportDuration)
	}
	if !known.hasRecording("file-doc") {
		t.Error("claimed artifact not recorded in the known set")
	}
}

func TestMatchEventKnownArtifactNotReused(t *testing.T) {
	event := testEvent()
	reportStart := event.Start
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-1", Start: reportStart, End: reportStart.Add(30 * time.Minute)}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			return []Artifact{{ID: "file-doc", Name: "Sync (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"}}, nil
		},
	}
	m := newTestMatcher(p)

	known := newKnownArtifacts([]string{"file-doc"}, nil)
	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, known)
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	c := cands[0]
	if c.FileID != nil {
		t.Errorf("fileId = %v, want nil for an already-consumed artifact", *c.FileID)
	}
	if c.IsValid == nil || *c.IsValid {
		t.Error("candidate with consumed artifact must be invalid, not nil")
	}
	if c.ReportID == nil || *c.ReportID != "report-1" {
		t.Error("report id should still be carried")
	}
}

func TestMatchEventInRunClaimIsExclusive(t *testing.T) {
	// Two events whose reports resolve to the same single artifact: only the
	// first may claim it.
	reportStart := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-" + ev.ID, Start: reportStart, End: reportStart.Add(30 * time.Minute)}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			return []Artifact{{ID: "file-shared", Name: "Sync (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"}}, nil
		},
	}
	m := newTestMatcher(p)

	known := newKnownArtifacts(nil, nil)
	account := testAccount(PlatformGmeet)

	first := testEvent()
	second := testEvent()
	second.ID = "evt-2"

	c1, err := m.matchEvent(context.Background(), account, first, known)
	if err != nil {
		t.Fatalf("first matchEvent: %v", err)
	}
	c2, err := m.matchEvent(context.Background(), account, second, known)
	if err != nil {
		t.Fatalf("second matchEvent: %v", err)
	}

	if c1[0].FileID == nil || *c1[0].FileID != "file-shared" {
		t.Fatal("first event failed to claim the artifact")
	}
	if c2[0].FileID != nil {
		t.Error("second event claimed an artifact the first already took")
	}
}

func TestMatchEventRecurringSiblingDayFiltered(t *testing.T) {
	event := testEvent()
	event.RecurringEventID = "series-1"

	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			// Yesterday's occurrence report plus today's.
			return []ConferenceReport{
				{ID: "report-old", Start: event.Start.AddDate(0, 0, -1), End: event.Start.AddDate(0, 0, -1).Add(30 * time.Minute)},
				{ID: "report-today", Start: event.Start, End: event.Start.Add(30 * time.Minute)},
			}, nil
		},
	}
	m := newTestMatcher(p)

	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, newKnownArtifacts(nil, nil))
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1 (sibling-day report filtered)", len(cands))
	}
	if cands[0].ReportID == nil || *cands[0].ReportID != "report-today" {
		t.Errorf("reportId = %v, want report-today", cands[0].ReportID)
	}
}

func TestMatchEventKnownReportFiltered(t *testing.T) {
	event := testEvent()
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-done", Start: event.Start, End: event.End}}, nil
		},
	}
	m := newTestMatcher(p)

	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, newKnownArtifacts(nil, []string{"report-done"}))
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	if len(cands) != 1 || cands[0].ReportID != nil {
		t.Errorf("fully processed report must yield an unmatched candidate, got %+v", cands)
	}
}

func TestMatchEventTieBreakPrefersConferenceID(t *testing.T) {
	event := testEvent()
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-1", Start: event.Start, End: event.End}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			return []Artifact{
				{ID: "file-other", Name: "Other meeting (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"},
				{ID: "file-ours", Name: "Weekly sync " + event.ConferenceID + " (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"},
			}, nil
		},
	}
	m := newTestMatcher(p)

	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, newKnownArtifacts(nil, nil))
	if err != nil {
		t.Fatalf("matchEvent: %v", err)
	}
	if cands[0].FileID == nil || *cands[0].FileID != "file-ours" {
		t.Errorf("fileId = %v, want file-ours (conference id beats list order)", cands[0].FileID)
	}
}

func TestMatchEventSearchErrorDegrades(t *testing.T) {
	event := testEvent()
	p := &fakeProvider{
		traits: gmeetTestTraits(),
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return nil, errors.New("boom")
		},
	}
	m := newTestMatcher(p)

	cands, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, newKnownArtifacts(nil, nil))
	if err != nil {
		t.Fatalf("matchEvent must degrade, got %v", err)
	}
	if len(cands) != 1 || cands[0].ReportID != nil {
		t.Errorf("want the bare event carried through, got %+v", cands)
	}
}

func TestMatchEventAuthFailurePropagates(t *testing.T) {
	event := testEvent()
	p := &fakeProvider{
		traits:    gmeetTestTraits(),
		wantToken: "tok-other",
		refreshFn: func(ctx context.Context, account *ConnectedAccount) (TokenPair, error) {
			return TokenPair{}, errors.New("invalid_grant")
		},
	}
	m := newTestMatcher(p)

	_, err := m.matchEvent(context.Background(), testAccount(PlatformGmeet), event, newKnownArtifacts(nil, nil))
	if !errors.Is(err, errAuthFailed) {
		t.Fatalf("err = %v, want errAuthFailed", err)
	}
}
