// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Google Meet provider.
//
// Calendar events come from the Calendar v3 list endpoint with server-side
// recurrence expansion. Reports are Meet conference records filtered by
// meeting code, and recordings are Drive transcript documents found by a
// name-substring query on the report's formatted start time.
type gmeetProvider struct {
	httpClient *http.Client

	calendarBaseURL string
	meetBaseURL     string
	driveBaseURL    string

	tokenURL     string
	clientID     string
	clientSecret string
}

func newGmeetProvider(cfg *Config, client *http.Client) *gmeetProvider {
	return &gmeetProvider{
		httpClient:      client,
		calendarBaseURL: cfg.GmeetCalendarAPIURL,
		meetBaseURL:     cfg.GmeetMeetAPIURL,
		driveBaseURL:    cfg.GmeetDriveAPIURL,
		tokenURL:        cfg.GmeetTokenEndpoint,
		clientID:        cfg.GmeetClientID,
		clientSecret:    cfg.GmeetClientSecret,
	}
}

func (p *gmeetProvider) Platform() Platform { return PlatformGmeet }

func (p *gmeetProvider) Traits() providerTraits {
	return providerTraits{
		windowBack:           2 * 24 * time.Hour,
		windowForward:        14 * 24 * time.Hour,
		recordingNameOffset:  -4 * time.Hour,
		transcriptMIME:       "application/vnd.google-apps.document",
		matchRecordingByName: true,
	}
}

func (p *gmeetProvider) Window(now time.Time) (time.Time, time.Time) {
	return windowFromTraits(p.Traits(), now)
}

func (p *gmeetProvider) RefreshToken(ctx context.Context, account *ConnectedAccount) (TokenPair, error) {
	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return oauthRefresh(ctx, conf, account)
}

type gmeetEventTime struct {
	DateTime time.Time `json:"dateTime"`
}

type gmeetPerson struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type gmeetEvent struct {
	ID               string         `json:"id"`
	Summary          string         `json:"summary"`
	Description      string         `json:"description"`
	Start            gmeetEventTime `json:"start"`
	End              gmeetEventTime `json:"end"`
	RecurringEventID string         `json:"recurringEventId"`
	Organizer        gmeetPerson    `json:"organizer"`
	Creator          gmeetPerson    `json:"creator"`
	HangoutLink      string         `json:"hangoutLink"`
	Attendees        []gmeetPerson  `json:"attendees"`
	Sequence         int            `json:"sequence"`
	ConferenceData   struct {
		ConferenceID string `json:"conferenceId"`
	} `json:"conferenceData"`
}

type gmeetEventList struct {
	Items         []gmeetEvent `json:"items"`
	NextPageToken string       `json:"nextPageToken"`
}

// FetchEvents lists primary-calendar events in the window, expanding
// recurring series into single instances and exhausting pagination. Events
// without a Meet join link are dropped.
func (p *gmeetProvider) FetchEvents(ctx context.Context, accessToken string, account *ConnectedAccount, from, to time.Time) ([]CalendarEvent, error) {
	var events []CalendarEvent
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("timeMin", from.UTC().Format(time.RFC3339))
		params.Set("timeMax", to.UTC().Format(time.RFC3339))
		params.Set("singleEvents", "true")
		params.Set("orderBy", "startTime")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page gmeetEventList
		reqURL := fmt.Sprintf("%s/calendars/primary/events?%s", p.calendarBaseURL, params.Encode())
		if err := getJSON(ctx, p.httpClient, reqURL, accessToken, &page); err != nil {
			return nil, fmt.Errorf("listing calendar events: %w", err)
		}

		for _, item := range page.Items {
			if item.HangoutLink == "" {
				continue
			}
			ev := CalendarEvent{
				ID:               item.ID,
				Title:            item.Summary,
				Description:      item.Description,
				Start:            item.Start.DateTime,
				End:              item.End.DateTime,
				RecurringEventID: item.RecurringEventID,
				OrganizerEmail:   item.Organizer.Email,
				CreatorEmail:     item.Creator.Email,
				JoinURL:          item.HangoutLink,
				Sequence:         item.Sequence,
				ConferenceID:     item.ConferenceData.ConferenceID,
			}
			for _, a := range item.Attendees {
				ev.Attendees = append(ev.Attendees, Attendee{Email: a.Email, Name: a.DisplayName})
			}
			events = append(events, ev)
		}

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

type gmeetConferenceRecord struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

type gmeetConferenceRecordList struct {
	ConferenceRecords []gmeetConferenceRecord `json:"conferenceRecords"`
	NextPageToken     string                  `json:"nextPageToken"`
}

// SearchReports queries Meet conference records by the event's meeting code.
func (p *gmeetProvider) SearchReports(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent) ([]ConferenceReport, error) {
	var reports []ConferenceReport
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("filter", fmt.Sprintf("space.meeting_code=%q", event.ConferenceID))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page gmeetConferenceRecordList
		reqURL := fmt.Sprintf("%s/conferenceRecords?%s", p.meetBaseURL, params.Encode())
		if err := getJSON(ctx, p.httpClient, reqURL, accessToken, &page); err != nil {
			return nil, fmt.Errorf("listing conference records: %w", err)
		}

		for _, rec := range page.ConferenceRecords {
			reports = append(reports, ConferenceReport{
				ID:    rec.Name,
				Start: rec.StartTime,
				End:   rec.EndTime,
			})
		}

		if page.NextPageToken == "" {
			return reports, nil
		}
		pageToken = page.NextPageToken
	}
}

type gmeetFileList struct {
	Files []Artifact `json:"files"`
}

// SearchRecordings runs the Drive name-substring query: files whose name
// contains the formatted report timestamp or the raw conference identifier,
// newest first. MIME and name filtering happen in the matcher.
func (p *gmeetProvider) SearchRecordings(ctx context.Context, accessToken string, account *ConnectedAccount, event CalendarEvent, report ConferenceReport, nameQuery string) ([]Artifact, error) {
	query := fmt.Sprintf("name contains '%s' or name contains '%s'", nameQuery, event.ConferenceID)

	params := url.Values{}
	params.Set("q", query)
	params.Set("fields", "files(id,name,mimeType,createdTime)")
	params.Set("orderBy", "createdTime desc")

	var page gmeetFileList
	reqURL := fmt.Sprintf("%s/files?%s", p.driveBaseURL, params.Encode())
	if err := getJSON(ctx, p.httpClient, reqURL, accessToken, &page); err != nil {
		return nil, fmt.Errorf("searching drive files: %w", err)
	}
	return page.Files, nil
}
