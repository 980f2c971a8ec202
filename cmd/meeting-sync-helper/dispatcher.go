// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sinkDispatcher delivers reconciled candidate lists to the downstream
// ingestion endpoint.
type sinkDispatcher struct {
	httpClient *http.Client
	baseURL    string
}

func newSinkDispatcher(client *http.Client, baseURL string) *sinkDispatcher {
	return &sinkDispatcher{httpClient: client, baseURL: baseURL}
}

// sinkPayload is the wire shape the ingestion endpoint expects. The account
// key is platform-specific ("gmeetUser" / "zoomUser"); tokens never serialize.
type sinkPayload struct {
	MeetingList []MeetingCandidate `json:"meetingList"`
	GmeetUser   *ConnectedAccount  `json:"gmeetUser,omitempty"`
	ZoomUser    *ConnectedAccount  `json:"zoomUser,omitempty"`
}

// dispatch filters false positives and posts the remaining candidates.
// Returns the number of candidates actually sent.
func (d *sinkDispatcher) dispatch(ctx context.Context, account *ConnectedAccount, candidates []MeetingCandidate) (int, error) {
	candidates = filterFalsePositives(candidates)
	if len(candidates) == 0 {
		return 0, nil
	}

	payload := sinkPayload{MeetingList: candidates}
	switch account.Platform {
	case PlatformZoom:
		payload.ZoomUser = account
	default:
		payload.GmeetUser = account
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding sink payload: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/%s/setRetrievedMeetings", d.baseURL, account.Platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting to sink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("sink rejected meeting list: status %d: %s", resp.StatusCode, string(respBody))
	}
	return len(candidates), nil
}

// filterFalsePositives drops rows whose recording reference is a leftover of
// a match that neither validated nor claimed a file: the artifact was seen but
// belongs to another event. Forwarding them would attach the wrong transcript
// downstream.
func filterFalsePositives(candidates []MeetingCandidate) []MeetingCandidate {
	kept := make([]MeetingCandidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Recording != nil && cand.FileID == nil && (cand.IsValid == nil || !*cand.IsValid) {
			continue
		}
		kept = append(kept, cand)
	}
	return kept
}
