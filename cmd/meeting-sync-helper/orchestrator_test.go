// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T, store *fakeStore, providers map[Platform]Provider) (*orchestrator, *int) {
	t.Helper()
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
	}))
	t.Cleanup(srv.Close)

	dispatcher := newSinkDispatcher(srv.Client(), srv.URL)
	return newOrchestrator(store, providers, dispatcher, 15*time.Minute, 4), &posts
}

func TestRunBatchHappyPath(t *testing.T) {
	account := testAccount(PlatformGmeet)
	store := &fakeStore{accounts: []ConnectedAccount{*account}}

	event := testEvent()
	provider := &fakeProvider{
		platform: PlatformGmeet,
		traits:   gmeetTestTraits(),
		fetchFn: func(ctx context.Context, acc *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error) {
			return []CalendarEvent{event}, nil
		},
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-1", Start: ev.Start, End: ev.End}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			return []Artifact{{ID: "file-1", Name: "Sync (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"}}, nil
		},
	}

	orc, posts := newTestOrchestrator(t, store, map[Platform]Provider{PlatformGmeet: provider})

	summary, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if summary.RunID == "" {
		t.Error("summary missing run id")
	}
	if len(summary.Accounts) != 1 {
		t.Fatalf("account results = %d, want 1", len(summary.Accounts))
	}
	res := summary.Accounts[0]
	if !res.Status || res.State != StateDone {
		t.Errorf("result = %+v, want done", res)
	}
	if res.Candidates != 1 {
		t.Errorf("candidates = %d, want 1", res.Candidates)
	}
	if len(store.upserts) != 1 {
		t.Errorf("upserts = %d, want 1", len(store.upserts))
	}
	if *posts != 1 {
		t.Errorf("sink posts = %d, want 1", *posts)
	}
}

func TestRunBatchTwoRunsConverge(t *testing.T) {
	// After the first run consumes report and recording, the second run must
	// not re-claim either: the candidate degrades to a bare scheduled row.
	account := testAccount(PlatformGmeet)
	store := &fakeStore{accounts: []ConnectedAccount{*account}}

	event := testEvent()
	provider := &fakeProvider{
		platform: PlatformGmeet,
		traits:   gmeetTestTraits(),
		fetchFn: func(ctx context.Context, acc *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error) {
			return []CalendarEvent{event}, nil
		},
		reportsFn: func(ctx context.Context, ev CalendarEvent) ([]ConferenceReport, error) {
			return []ConferenceReport{{ID: "report-1", Start: ev.Start, End: ev.End}}, nil
		},
		recordingsFn: func(ctx context.Context, ev CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
			return []Artifact{{ID: "file-1", Name: "Sync (" + nameQuery + ")", MimeType: "application/vnd.google-apps.document"}}, nil
		},
	}

	orc, _ := newTestOrchestrator(t, store, map[Platform]Provider{PlatformGmeet: provider})

	if _, err := orc.runBatch(context.Background()); err != nil {
		t.Fatalf("first runBatch: %v", err)
	}

	// Simulate the downstream marking the meeting fully processed.
	store.recordingIDs = []string{"file-1"}
	store.reportIDs = []string{"report-1"}

	summary, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("second runBatch: %v", err)
	}
	res := summary.Accounts[0]
	if !res.Status {
		t.Fatalf("second run failed: %+v", res)
	}
	last := store.upserts[len(store.upserts)-1]
	if last.ReportID != nil {
		t.Error("second run re-claimed an already-processed report")
	}
}

func TestRunBatchAuthFailureTriggersCooldown(t *testing.T) {
	account := testAccount(PlatformGmeet)
	store := &fakeStore{accounts: []ConnectedAccount{*account}}

	refreshCalls := 0
	provider := &fakeProvider{
		platform:  PlatformGmeet,
		traits:    gmeetTestTraits(),
		wantToken: "tok-other",
		refreshFn: func(ctx context.Context, acc *ConnectedAccount) (TokenPair, error) {
			refreshCalls++
			return TokenPair{}, errors.New("invalid_grant")
		},
	}

	orc, _ := newTestOrchestrator(t, store, map[Platform]Provider{PlatformGmeet: provider})

	first, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("first runBatch: %v", err)
	}
	if first.Accounts[0].State != StateFailed {
		t.Fatalf("first run state = %s, want failed", first.Accounts[0].State)
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", refreshCalls)
	}

	second, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("second runBatch: %v", err)
	}
	if second.Accounts[0].State != StateSkipped {
		t.Errorf("second run state = %s, want skipped while on cooldown", second.Accounts[0].State)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh attempted again during cooldown")
	}
}

func TestRunBatchAccountIsolation(t *testing.T) {
	good := testAccount(PlatformGmeet)
	bad := testAccount(PlatformGmeet)
	bad.ID = 43
	bad.UserID = 8
	store := &fakeStore{accounts: []ConnectedAccount{*bad, *good}}

	provider := &fakeProvider{
		platform: PlatformGmeet,
		traits:   gmeetTestTraits(),
		fetchFn: func(ctx context.Context, acc *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error) {
			if acc.ID == bad.ID {
				return nil, errProviderUnavailable
			}
			return []CalendarEvent{testEvent()}, nil
		},
	}

	orc, _ := newTestOrchestrator(t, store, map[Platform]Provider{PlatformGmeet: provider})

	summary, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if len(summary.Accounts) != 2 {
		t.Fatalf("account results = %d, want 2", len(summary.Accounts))
	}

	byID := map[int64]AccountResult{}
	for _, res := range summary.Accounts {
		byID[res.AccountID] = res
	}
	if byID[bad.ID].State != StateFailed {
		t.Errorf("bad account state = %s, want failed", byID[bad.ID].State)
	}
	if byID[good.ID].State != StateDone || !byID[good.ID].Status {
		t.Errorf("good account state = %+v, want done despite sibling failure", byID[good.ID])
	}
}

func TestRunBatchUnknownPlatformFails(t *testing.T) {
	account := testAccount(Platform("teams"))
	store := &fakeStore{accounts: []ConnectedAccount{*account}}

	orc, _ := newTestOrchestrator(t, store, map[Platform]Provider{})

	summary, err := orc.runBatch(context.Background())
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if summary.Accounts[0].State != StateFailed {
		t.Errorf("state = %s, want failed for an unregistered platform", summary.Accounts[0].State)
	}
}

func TestRunBatchListFailureFailsBatch(t *testing.T) {
	store := &fakeStore{failList: errStoreFailed}
	orc, _ := newTestOrchestrator(t, store, map[Platform]Provider{})

	_, err := orc.runBatch(context.Background())
	if !errors.Is(err, errStoreFailed) {
		t.Fatalf("err = %v, want errStoreFailed", err)
	}
}
