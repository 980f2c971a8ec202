// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"errors"
	"time"
)

// Platform identifies which external meeting provider an account belongs to.
// The value matches the `platform` column on the meetings table.
type Platform string

const (
	// PlatformGmeet is the Google Meet / Google Calendar provider.
	PlatformGmeet Platform = "gmeet"
	// PlatformZoom is the Zoom provider.
	PlatformZoom Platform = "zoom"
)

// Error taxonomy for the per-account pipeline. Every provider or store
// failure is folded into one of these sentinels so the orchestrator can
// classify terminal states without string matching.
var (
	// errAuthExpired is returned by a provider call that failed with an
	// authorization error (HTTP 401 or provider equivalent). Recoverable
	// exactly once via the token refresh gate.
	errAuthExpired = errors.New("provider authorization expired")

	// errAuthFailed means the refresh exchange itself failed. Terminal for
	// the account this run.
	errAuthFailed = errors.New("token refresh failed")

	// errProviderUnavailable covers network errors and 5xx responses from
	// any provider endpoint. Terminal for the account this run.
	errProviderUnavailable = errors.New("provider unavailable")

	// errStoreFailed covers relational store query failures. Terminal for
	// the account, or for the whole batch when listing accounts fails.
	errStoreFailed = errors.New("store query failed")
)

// ConnectedAccount is one user's linked provider identity with stored OAuth
// credentials. At most one enabled account exists per (user, platform).
type ConnectedAccount struct {
	ID           int64    `json:"id"`
	UserID       int64    `json:"user_id"`
	AccountID    string   `json:"account_id"`
	AccessToken  string   `json:"-"`
	RefreshToken string   `json:"-"`
	Email        string   `json:"mail"`
	Name         string   `json:"name"`
	Platform     Platform `json:"platform"`
	IsConnected  bool     `json:"is_connected"`
}

// TokenPair is an OAuth access/refresh token pair as returned by a provider
// token endpoint. RefreshToken carries the previous value when the provider
// did not rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Attendee is a meeting participant as reported by the provider.
type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CalendarEvent is a transient, provider-native calendar event. Recurring
// series are already expanded into concrete instances by the provider client.
type CalendarEvent struct {
	// ID is the provider event identifier, stable across runs.
	ID          string
	Title       string
	Description string
	Start       time.Time
	End         time.Time

	// RecurringEventID is set when this event is one occurrence of a
	// recurring series.
	RecurringEventID string

	OrganizerEmail string
	CreatorEmail   string
	JoinURL        string
	Attendees      []Attendee

	// Sequence is the provider's monotonically increasing reschedule
	// version for this event.
	Sequence int

	// ConferenceID is the provider conference/meeting code used to look up
	// meeting records.
	ConferenceID string
}

// ConferenceReport is a structured meeting record ("report") returned by the
// provider's meeting-records API, distinct from the raw recording file.
type ConferenceReport struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Artifact is a recording or transcript object discoverable via provider
// search, identified by provider-native id.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType,omitempty"`
	CreatedAt time.Time `json:"createdTime,omitempty"`
}

// MeetingRecord is a persisted meetings row. Uniqueness is scoped to
// (org_id, meeting_id, sequence) so reschedules of a recurring series can
// coexist. A record with a non-empty Summary is fully processed and must
// never be reprocessed.
type MeetingRecord struct {
	ID               int64
	OrgID            int64
	Platform         Platform
	MeetingID        string
	Sequence         int
	Title            string
	ScheduleStart    time.Time
	ScheduleDuration int
	Duration         int
	JoinURL          string
	ReportID         *string
	RecordLink       *string
	Summary          *string
	IsDeleted        bool
}

// MeetingCandidate is the reconciled per-event output row dispatched to the
// downstream sink. Field names follow the sink's existing payload contract.
type MeetingCandidate struct {
	EventID      string     `json:"event_id"`
	ID           string     `json:"id"`
	Topic        string     `json:"topic"`
	Description  string     `json:"description,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	Duration     int        `json:"duration"`
	EndTime      time.Time  `json:"end_time"`
	JoinURL      string     `json:"join_url"`
	Participants []Attendee `json:"participants"`
	Creator      string     `json:"creator"`

	// IsValid is true only when a recording artifact was both found and not
	// already claimed. It is nil when no report search ran for the event.
	IsValid *bool `json:"isValid"`

	// FileID is the claimed recording/transcript artifact id, nil when the
	// artifact was already claimed or never found.
	FileID *string `json:"fileId"`

	// Recording carries the matched artifact metadata when one was found,
	// claimed or not.
	Recording *Artifact `json:"isRecordingAvailable,omitempty"`

	ReportID        *string    `json:"reportId"`
	ReportStartTime *time.Time `json:"report_start_time,omitempty"`
	ReportDuration  *int       `json:"report_duration,omitempty"`
	Sequence        int        `json:"sequence"`
	Type            Platform   `json:"type"`
}

// knownArtifacts is the set of artifact identifiers already associated with a
// persisted meeting. It is rebuilt from the store at the start of each
// account pipeline and mutated only by in-run claims, so two events in the
// same run cannot claim the same artifact.
type knownArtifacts struct {
	recordings map[string]struct{}
	reports    map[string]struct{}
}

func newKnownArtifacts(recordingIDs, reportIDs []string) *knownArtifacts {
	k := &knownArtifacts{
		recordings: make(map[string]struct{}, len(recordingIDs)),
		reports:    make(map[string]struct{}, len(reportIDs)),
	}
	for _, id := range recordingIDs {
		k.recordings[id] = struct{}{}
	}
	for _, id := range reportIDs {
		k.reports[id] = struct{}{}
	}
	return k
}

// hasRecording reports whether the recording artifact id is already consumed.
func (k *knownArtifacts) hasRecording(id string) bool {
	_, ok := k.recordings[id]
	return ok
}

// claimRecording marks a recording artifact id as consumed for the remainder
// of the run.
func (k *knownArtifacts) claimRecording(id string) {
	k.recordings[id] = struct{}{}
}

// hasReport reports whether the report id is already consumed.
func (k *knownArtifacts) hasReport(id string) bool {
	_, ok := k.reports[id]
	return ok
}

// PipelineState is the per-account pipeline state machine position.
type PipelineState string

const (
	StateIdle           PipelineState = "idle"
	StateAuthenticating PipelineState = "authenticating"
	StateFetching       PipelineState = "fetching"
	StateMatching       PipelineState = "matching"
	StateReconciling    PipelineState = "reconciling"
	StateDispatching    PipelineState = "dispatching"
	StateDone           PipelineState = "done"
	StateFailed         PipelineState = "failed"
	// StateSkipped is used when an account is inside its auth-failure
	// cooldown window and the pipeline never started.
	StateSkipped PipelineState = "skipped"
)

// AccountResult is the terminal outcome of one account's pipeline.
type AccountResult struct {
	AccountID   int64         `json:"account_id"`
	UserID      int64         `json:"user_id"`
	Platform    Platform      `json:"platform"`
	Status      bool          `json:"status"`
	State       PipelineState `json:"state"`
	Message     string        `json:"message,omitempty"`
	Candidates  int           `json:"candidates"`
	SoftDeleted int           `json:"soft_deleted"`
}

// BatchSummary is the structured result of one batch invocation, suitable
// for alerting.
type BatchSummary struct {
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Elapsed   string          `json:"elapsed"`
	Accounts  []AccountResult `json:"accounts"`
}
