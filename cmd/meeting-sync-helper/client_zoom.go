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
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// zoomMeetingNotFoundCode is Zoom's application error for a meeting with no
// cloud recording.
const zoomMeetingNotFoundCode = 3301

const zoomMeetingTypeRecurringFixed = 8

// Zoom provider.
//
// The scheduled-meeting listing is date-bounded rather than timestamped, and
// recurring meetings come back as a single definition, so occurrences are
// expanded locally from the recurrence pattern. Reports and recordings both
// come from the cloud-recording endpoint; the transcript file is matched by
// recording type instead of a name substring.
type zoomProvider struct {
	httpClient *http.Client

	apiBaseURL   string
	tokenURL     string
	clientID     string
	clientSecret string
}

func newZoomProvider(cfg *Config, client *http.Client) *zoomProvider {
	return &zoomProvider{
		httpClient:   client,
		apiBaseURL:   cfg.ZoomAPIBaseURL,
		tokenURL:     cfg.ZoomTokenEndpoint,
		clientID:     cfg.ZoomClientID,
		clientSecret: cfg.ZoomClientSecret,
	}
}

func (p *zoomProvider) Platform() Platform { return PlatformZoom }

func (p *zoomProvider) Traits() providerTraits {
	return providerTraits{
		windowBack:           2 * 24 * time.Hour,
		windowForward:        24 * time.Hour,
		recordingNameOffset:  0,
		transcriptMIME:       "transcript",
		matchRecordingByName: false,
	}
}

func (p *zoomProvider) Window(now time.Time) (time.Time, time.Time) {
	return windowFromTraits(p.Traits(), now)
}

func (p *zoomProvider) RefreshToken(ctx context.Context, account *ConnectedAccount) (TokenPair, error) {
	// Zoom authenticates the token endpoint with client basic auth.
	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	return oauthRefresh(ctx, conf, account)
}

type zoomMeeting struct {
	ID         int64           `json:"id"`
	UUID       string          `json:"uuid"`
	Topic      string          `json:"topic"`
	Agenda     string          `json:"agenda"`
	Type       int             `json:"type"`
	StartTime  time.Time       `json:"start_time"`
	Duration   int             `json:"duration"`
	JoinURL    string          `json:"join_url"`
	Recurrence *zoomRecurrence `json:"recurrence,omitempty"`
}

type zoomMeetingList struct {
	Meetings      []zoomMeeting `json:"meetings"`
	NextPageToken string        `json:"next_page_token"`
}

// FetchEvents lists the account's scheduled meetings inside the window and
// expands recurring definitions into concrete occurrences. Zoom lists only
// the user's own meetings, so the organizer is always the account identity.
func (p *zoomProvider) FetchEvents(ctx context.Context, accessToken string, account *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error) {
	var events []CalendarEvent
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("from", from.UTC().Format("2006-01-02"))
		params.Set("to", to.UTC().Format("2006-01-02"))
		params.Set("page_size", "300")
		if pageToken != "" {
			params.Set("next_page_token", pageToken)
		}

		var page zoomMeetingList
		reqURL := fmt.Sprintf("%s/users/%s/meetings?%s", p.apiBaseURL, url.PathEscape(account.AccountID), params.Encode())
		if err := getJSON(ctx, p.httpClient, reqURL, accessToken, &page); err != nil {
			return nil, fmt.Errorf("listing zoom meetings: %w", err)
		}

		for _, m := range page.Meetings {
			if m.JoinURL == "" {
				continue
			}
			events = append(events, p.expandMeeting(ctx, account, m, from, to)...)
		}

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

// expandMeeting converts one listed meeting into calendar events, one per
// occurrence for recurring definitions. Occurrence start times double as the
// sequence so reschedules of a series coexist in the store.
func (p *zoomProvider) expandMeeting(ctx context.Context, account *ConnectedAccount, m zoomMeeting, from, to time.Time) []CalendarEvent {
	base := CalendarEvent{
		ID:             strconv.FormatInt(m.ID, 10),
		Title:          m.Topic,
		Description:    m.Agenda,
		Start:          m.StartTime,
		End:            m.StartTime.Add(time.Duration(m.Duration) * time.Minute),
		OrganizerEmail: account.Email,
		CreatorEmail:   account.Email,
		JoinURL:        m.JoinURL,
		ConferenceID:   m.UUID,
	}

	if m.Type != zoomMeetingTypeRecurringFixed || m.Recurrence == nil {
		return []CalendarEvent{base}
	}

	occurrences, err := expandOccurrences(m.StartTime, *m.Recurrence, from, to)
	if err != nil {
		logger.With(errKey, err, "meeting_id", m.ID, "account_id", account.ID).WarnContext(ctx, "failed to expand zoom recurrence, keeping base instance")
		return []CalendarEvent{base}
	}

	events := make([]CalendarEvent, 0, len(occurrences))
	for _, occ := range occurrences {
		ev := base
		ev.Start = occ
		ev.End = occ.Add(time.Duration(m.Duration) * time.Minute)
		ev.RecurringEventID = base.ID
		ev.Sequence = int(occ.Unix())
		events = append(events, ev)
	}
	return events
}

type zoomRecordingFile struct {
	ID             string    `json:"id"`
	RecordingStart time.Time `json:"recording_start"`
	RecordingEnd   time.Time `json:"recording_end"`
	FileType       string    `json:"file_type"`
	RecordingType  string    `json:"recording_type"`
}

type zoomRecordings struct {
	UUID           string              `json:"uuid"`
	StartTime      time.Time           `json:"start_time"`
	Duration       int                 `json:"duration"`
	RecordingFiles []zoomRecordingFile `json:"recording_files"`
}

// SearchReports treats the meeting's cloud-recording instance as the report.
// A meeting that was never recorded yields zero reports, not an error.
func (p *zoomProvider) SearchReports(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent) ([]ConferenceReport, error) {
	rec, found, err := p.fetchRecordings(ctx, accessToken, event.ID)
	if err != nil || !found {
		return nil, err
	}
	return []ConferenceReport{{
		ID:    rec.UUID,
		Start: rec.StartTime,
		End:   rec.StartTime.Add(time.Duration(rec.Duration) * time.Minute),
	}}, nil
}

// SearchRecordings returns the transcript files of the meeting's cloud
// recording. The name query is unused; Zoom identifies transcripts by
// recording type.
func (p *zoomProvider) SearchRecordings(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
	rec, found, err := p.fetchRecordings(ctx, accessToken, event.ID)
	if err != nil || !found {
		return nil, err
	}

	var artifacts []Artifact
	for _, f := range rec.RecordingFiles {
		artifacts = append(artifacts, Artifact{
			ID:        f.ID,
			Name:      f.FileType,
			MimeType:  f.RecordingType,
			CreatedAt: f.RecordingStart,
		})
	}
	return artifacts, nil
}

// fetchRecordings loads the cloud-recording metadata for a meeting. found is
// false when the meeting has no recording (Zoom error 3301 / not found).
func (p *zoomProvider) fetchRecordings(ctx context.Context, accessToken, meetingID string) (*zoomRecordings, bool, error) {
	reqURL := fmt.Sprintf("%s/meetings/%s/recordings", p.apiBaseURL, url.PathEscape(meetingID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, errAuthExpired
	case resp.StatusCode >= 500:
		return nil, false, fmt.Errorf("%w: status %d from zoom recordings", errProviderUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		// Distinguish "no recording exists" from other 404s by Zoom's
		// application error code.
		var apiErr struct {
			Code int `json:"code"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code == zoomMeetingNotFoundCode {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("recordings lookup for meeting %s: status 404: %s", meetingID, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("recordings lookup for meeting %s: status %d: %s", meetingID, resp.StatusCode, string(body))
	}

	var rec zoomRecordings
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, false, fmt.Errorf("decoding recordings response: %w", err)
	}
	return &rec, true, nil
}

type zoomParticipant struct {
	Name      string `json:"name"`
	UserEmail string `json:"user_email"`
}

type zoomParticipantList struct {
	Participants  []zoomParticipant `json:"participants"`
	NextPageToken string            `json:"next_page_token"`
}

// ListParticipants walks the past-meeting participant pages and normalizes
// attendees: entries without an email are dropped, as is the host.
func (p *zoomProvider) ListParticipants(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent) ([]Attendee, error) {
	var attendees []Attendee
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("page_size", "300")
		if pageToken != "" {
			params.Set("next_page_token", pageToken)
		}

		var page zoomParticipantList
		reqURL := fmt.Sprintf("%s/past_meetings/%s/participants?%s", p.apiBaseURL, url.PathEscape(event.ID), params.Encode())
		if err := getJSON(ctx, p.httpClient, reqURL, accessToken, &page); err != nil {
			return nil, fmt.Errorf("listing zoom participants: %w", err)
		}

		for _, part := range page.Participants {
			if part.UserEmail == "" || strings.EqualFold(part.UserEmail, account.Email) {
				continue
			}
			name := part.Name
			if name == "" {
				name = strings.SplitN(part.UserEmail, "@", 2)[0]
			}
			attendees = append(attendees, Attendee{Email: part.UserEmail, Name: name})
		}

		if page.NextPageToken == "" {
			return attendees, nil
		}
		pageToken = page.NextPageToken
	}
}
