// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"golang.org/x/oauth2"
)

// providerTraits carries the per-provider matching knobs used by the shared
// pipeline.
type providerTraits struct {
	// windowBack/windowForward bound the rolling calendar window relative
	// to "now".
	windowBack    time.Duration
	windowForward time.Duration

	// recordingNameOffset is added to a report's UTC start time before
	// formatting it into the artifact name query (Meet transcript names
	// carry GMT-4 timestamps).
	recordingNameOffset time.Duration

	// transcriptMIME is the artifact MIME (or provider file type) that
	// denotes a transcript document.
	transcriptMIME string

	// matchRecordingByName selects the time-window substring strategy: when
	// set, a recording is accepted only if its name contains the formatted
	// report timestamp. When unset the provider resolves recordings for a
	// report directly and no name filter applies.
	matchRecordingByName bool
}

// Provider is the capability surface a meeting platform must implement so
// the shared pipeline (gate, fetcher, matcher, reconciler, dispatcher) can
// run against it.
type Provider interface {
	Platform() Platform
	Traits() providerTraits

	// Window returns the calendar query bounds for a run starting at now.
	Window(now time.Time) (time.Time, time.Time)

	// RefreshToken exchanges the account's refresh token for a new pair.
	RefreshToken(ctx context.Context, account *ConnectedAccount) (TokenPair, error)

	// FetchEvents lists calendar events inside the window with recurring
	// series expanded into concrete instances. Pagination is exhausted
	// before returning.
	FetchEvents(ctx context.Context, accessToken string, account *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error)

	// SearchReports queries the provider's meeting-records API by the
	// event's conference identifier.
	SearchReports(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent) ([]ConferenceReport, error)

	// SearchRecordings queries the provider's file/recording listing for
	// artifacts corresponding to the report. nameQuery is the formatted
	// report timestamp for name-substring providers; others may ignore it.
	SearchRecordings(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error)
}

// participantLister is an optional provider capability for platforms whose
// calendar listing does not carry attendees.
type participantLister interface {
	ListParticipants(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent) ([]Attendee, error)
}

// windowFromTraits is the shared Window implementation.
func windowFromTraits(t providerTraits, now time.Time) (time.Time, time.Time) {
	return now.Add(-t.windowBack), now.Add(t.windowForward)
}

// newProviderHTTPClient builds the HTTP client used for all provider calls.
// Transient failures (temporary network errors, 5xx) are retried twice at the
// transport layer; the pipeline itself never retries beyond the token gate.
func newProviderHTTPClient(timeout time.Duration) *http.Client {
	transport := rehttp.NewTransport(nil,
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(2),
			rehttp.RetryAny(
				rehttp.RetryTemporaryErr(),
				rehttp.RetryStatusInterval(500, 600),
			),
		),
		rehttp.ConstDelay(500*time.Millisecond),
	)
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// getJSON issues an authenticated GET and decodes the response body,
// classifying failures into the pipeline error taxonomy.
func getJSON(ctx context.Context, client *http.Client, rawURL, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errAuthExpired
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d from %s", errProviderUnavailable, resp.StatusCode, req.URL.Host)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL.Host, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL.Host, err)
	}
	return nil
}

// oauthRefresh performs a refresh_token grant against the provider token
// endpoint and keeps the stored refresh token when the provider does not
// rotate it.
func oauthRefresh(ctx context.Context, conf *oauth2.Config, account *ConnectedAccount) (TokenPair, error) {
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh exchange: %w", err)
	}
	pair := TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = account.RefreshToken
	}
	return pair, nil
}
