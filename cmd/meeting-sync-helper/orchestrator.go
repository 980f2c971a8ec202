// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// orchestrator runs the batch: one isolated pipeline per enabled account,
// fanned out with a bounded concurrency limit. A failing account never
// affects its siblings.
type orchestrator struct {
	store      MeetingStore
	providers  map[Platform]Provider
	dispatcher *sinkDispatcher

	// cooldown holds account ids whose token refresh recently failed; they
	// are skipped until the entry expires instead of burning a refresh
	// attempt every batch.
	cooldown *cache.Cache

	maxConcurrent int
}

func newOrchestrator(store MeetingStore, providers map[Platform]Provider, dispatcher *sinkDispatcher, cooldownTTL time.Duration, maxConcurrent int) *orchestrator {
	return &orchestrator{
		store:         store,
		providers:     providers,
		dispatcher:    dispatcher,
		cooldown:      cache.New(cooldownTTL, cooldownTTL),
		maxConcurrent: maxConcurrent,
	}
}

// runBatch executes one batch invocation over every enabled account and
// returns the per-account outcomes. Only the initial account listing can fail
// the batch as a whole.
func (o *orchestrator) runBatch(ctx context.Context) (BatchSummary, error) {
	summary := BatchSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	accounts, err := o.store.ListEnabledAccounts(ctx)
	if err != nil {
		return summary, err
	}

	logger.With("run_id", summary.RunID, "accounts", len(accounts)).InfoContext(ctx, "starting meeting sync batch")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrent)

	for i := range accounts {
		account := accounts[i]
		g.Go(func() error {
			result := o.runAccount(gctx, &account)
			mu.Lock()
			summary.Accounts = append(summary.Accounts, result)
			mu.Unlock()
			return nil
		})
	}
	// Account errors are captured in results, never returned, so Wait only
	// propagates context cancellation.
	if err := g.Wait(); err != nil {
		return summary, err
	}

	summary.Elapsed = time.Since(summary.StartedAt).Round(time.Millisecond).String()
	logger.With("run_id", summary.RunID, "elapsed", summary.Elapsed).InfoContext(ctx, "meeting sync batch finished")
	return summary, nil
}

// runAccount drives a single account through the pipeline state machine.
// Every terminal outcome is folded into the result; nothing escapes as an
// error so sibling pipelines keep running.
func (o *orchestrator) runAccount(ctx context.Context, account *ConnectedAccount) AccountResult {
	result := AccountResult{
		AccountID: account.ID,
		UserID:    account.UserID,
		Platform:  account.Platform,
		State:     StateIdle,
	}
	fail := func(state PipelineState, err error) AccountResult {
		if errors.Is(err, errAuthFailed) {
			// The refresh exchange itself failed, regardless of which stage
			// triggered it.
			state = StateAuthenticating
			o.cooldown.SetDefault(cooldownKey(account.ID), time.Now())
		}
		result.State = StateFailed
		result.Message = fmt.Sprintf("%s: %v", state, err)
		logger.With(errKey, err, "account_id", account.ID, "platform", account.Platform, "state", state).
			ErrorContext(ctx, "account pipeline failed")
		return result
	}

	if _, onCooldown := o.cooldown.Get(cooldownKey(account.ID)); onCooldown {
		result.State = StateSkipped
		result.Message = "token refresh recently failed, account on cooldown"
		logger.With("account_id", account.ID, "platform", account.Platform).InfoContext(ctx, "skipping account on auth cooldown")
		return result
	}

	provider, ok := o.providers[account.Platform]
	if !ok {
		return fail(StateIdle, fmt.Errorf("no provider registered for platform %q", account.Platform))
	}
	gate := newTokenGate(o.store, provider.RefreshToken)

	// Fetch the rolling calendar window.
	result.State = StateFetching
	from, to := provider.Window(time.Now().UTC())
	var events []CalendarEvent
	err := gate.invoke(ctx, account, func(ctx context.Context, token string) error {
		var fetchErr error
		events, fetchErr = provider.FetchEvents(ctx, token, account, from, to)
		return fetchErr
	})
	if err != nil {
		return fail(StateFetching, err)
	}

	// Match artifacts against what the system has already captured.
	result.State = StateMatching
	known, err := o.loadKnownArtifacts(ctx, account.Platform)
	if err != nil {
		return fail(StateMatching, err)
	}

	matcher := newArtifactMatcher(provider, gate)
	var candidates []MeetingCandidate
	for _, event := range events {
		matched, err := matcher.matchEvent(ctx, account, event, known)
		if err != nil {
			return fail(StateMatching, err)
		}
		candidates = append(candidates, matched...)
	}

	o.enrichParticipants(ctx, provider, gate, account, candidates)

	// Reconcile persisted state with the fetched set.
	result.State = StateReconciling
	candidates, softDeleted, err := newReconciler(o.store).reconcile(ctx, account, candidates, from, to)
	if err != nil {
		return fail(StateReconciling, err)
	}
	result.SoftDeleted = softDeleted

	// Hand the surviving candidates to the downstream sink.
	result.State = StateDispatching
	sent, err := o.dispatcher.dispatch(ctx, account, candidates)
	if err != nil {
		return fail(StateDispatching, err)
	}

	result.State = StateDone
	result.Status = true
	result.Candidates = sent
	logger.With("account_id", account.ID, "platform", account.Platform, "events", len(events), "candidates", sent, "soft_deleted", softDeleted).
		InfoContext(ctx, "account pipeline done")
	return result
}

// loadKnownArtifacts rebuilds the consumed-artifact set from the store at the
// start of an account pipeline.
func (o *orchestrator) loadKnownArtifacts(ctx context.Context, platform Platform) (*knownArtifacts, error) {
	recordingIDs, err := o.store.KnownRecordingIDs(ctx, platform)
	if err != nil {
		return nil, err
	}
	reportIDs, err := o.store.KnownReportIDs(ctx, platform)
	if err != nil {
		return nil, err
	}
	return newKnownArtifacts(recordingIDs, reportIDs), nil
}

// enrichParticipants fills in attendees for candidates whose provider listing
// does not carry them, using the provider's participant capability when it has
// one. Lookup failures leave the candidate as-is.
func (o *orchestrator) enrichParticipants(ctx context.Context, provider Provider, gate *tokenGate, account *ConnectedAccount, candidates []MeetingCandidate) {
	lister, ok := provider.(participantLister)
	if !ok {
		return
	}
	for i := range candidates {
		cand := &candidates[i]
		if len(cand.Participants) > 0 || cand.ReportID == nil {
			continue
		}
		event := CalendarEvent{ID: cand.ID, ConferenceID: cand.EventID}
		err := gate.invoke(ctx, account, func(ctx context.Context, token string) error {
			attendees, listErr := lister.ListParticipants(ctx, token, account, event)
			if listErr != nil {
				return listErr
			}
			cand.Participants = attendees
			return nil
		})
		if err != nil {
			logger.With(errKey, err, "account_id", account.ID, "meeting_id", cand.ID).WarnContext(ctx, "participant lookup failed")
		}
	}
}

func cooldownKey(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}
