// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

// batchRunTimeout bounds one full batch invocation regardless of trigger.
const batchRunTimeout = 10 * time.Minute

// runTrigger serializes batch execution across the HTTP and NATS triggers:
// at most one batch runs at a time, and overlapping triggers are rejected
// rather than queued.
type runTrigger struct {
	orc *orchestrator
	mu  sync.Mutex

	// publishSummary is set when a NATS connection exists; nil otherwise.
	publishSummary func(summary BatchSummary)
}

func newRunTrigger(orc *orchestrator) *runTrigger {
	return &runTrigger{orc: orc}
}

// run executes one batch if none is in flight. ok is false when a batch was
// already running.
func (t *runTrigger) run(ctx context.Context) (BatchSummary, bool, error) {
	if !t.mu.TryLock() {
		return BatchSummary{}, false, nil
	}
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, batchRunTimeout)
	defer cancel()

	summary, err := t.orc.runBatch(ctx)
	if err == nil && t.publishSummary != nil {
		t.publishSummary(summary)
	}
	return summary, true, err
}

// handleRun is the POST /run trigger. The batch runs synchronously and the
// response body is the batch summary.
func (t *runTrigger) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, ok, err := t.run(r.Context())
	if !ok {
		http.Error(w, "a batch is already running", http.StatusConflict)
		return
	}
	if err != nil {
		logger.With(errKey, err, "run_id", summary.RunID).ErrorContext(r.Context(), "batch run failed")
		http.Error(w, "batch run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		logger.With(errKey, err).ErrorContext(r.Context(), "error encoding batch summary")
	}
}

// handleRunMessage is the NATS trigger. Requests with a reply subject get the
// summary back; fire-and-forget triggers rely on the summary publication.
func (t *runTrigger) handleRunMessage(msg *nats.Msg) {
	ctx := context.Background()
	logger.With("subject", msg.Subject).InfoContext(ctx, "batch triggered over NATS")

	summary, ok, err := t.run(ctx)
	if !ok {
		logger.InfoContext(ctx, "dropping NATS trigger, a batch is already running")
		return
	}
	if err != nil {
		logger.With(errKey, err, "run_id", summary.RunID).ErrorContext(ctx, "batch run failed")
		return
	}

	if msg.Reply != "" {
		data, err := json.Marshal(summary)
		if err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "error encoding batch summary")
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "error replying with batch summary")
		}
	}
}

// natsSummaryPublisher publishes each finished batch summary to
// <summarySubject>.<runID> for alerting consumers.
func natsSummaryPublisher(nc *nats.Conn, summarySubject string) func(summary BatchSummary) {
	return func(summary BatchSummary) {
		data, err := json.Marshal(summary)
		if err != nil {
			logger.With(errKey, err, "run_id", summary.RunID).Error("error encoding batch summary")
			return
		}
		subject := fmt.Sprintf("%s.%s", summarySubject, summary.RunID)
		if err := nc.Publish(subject, data); err != nil {
			logger.With(errKey, err, "subject", subject).Error("error publishing batch summary")
		}
	}
}
