// Package consumer replays verification events from Kafka to retry role grants that did not complete.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"verifybot/internal/rolesync"
	"verifybot/internal/telemetry"
)

const (
	handleTimeout = 2 * time.Minute
	minBackoff    = 100 * time.Millisecond
	maxBackoff    = 30 * time.Second
)

// Syncer is the part of *rolesync.Synchronizer the retrier drives.
type Syncer interface {
	SyncUserAcrossAllServers(ctx context.Context, userID string) (*rolesync.Report, error)
	SyncAllVerifiedOnServer(ctx context.Context, guildID string) (*rolesync.Report, error)
	SyncMember(ctx context.Context, guildID, userID string) (*rolesync.Outcome, error)
}

// messageReader is the part of *kafka.Reader used by Run.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Retrier re-runs role synchronization for events that report failed grants.
type Retrier struct {
	syncer Syncer
	log    zerolog.Logger
	// wait blocks for d or until ctx is done, reporting whether the full wait elapsed.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewRetrier returns a Retrier.
func NewRetrier(syncer Syncer, log zerolog.Logger) *Retrier {
	return &Retrier{syncer: syncer, log: log.With().Str("component", "rolesync_retry").Logger(), wait: sleepCtx}
}

// NeedsRetry reports whether ev describes a role synchronization that left grants undone.
func NeedsRetry(ev *telemetry.Event) bool {
	if ev == nil {
		return false
	}
	switch ev.Type {
	case telemetry.EventUserVerified:
		if ev.UserID == "" {
			return false
		}
	case telemetry.EventVerifiedRoleSet:
		if ev.GuildID == "" {
			return false
		}
	case telemetry.EventMemberJoined:
		if ev.UserID == "" || ev.GuildID == "" {
			return false
		}
	default:
		return false
	}
	if ev.Metadata["role_sync"] == "failed" {
		return true
	}
	failed := ev.Metadata["failed"]
	return failed != "" && failed != "0"
}

// Handle decodes one event payload and retries its synchronization if needed.
// Grants are idempotent, so replaying an event is safe.
func (r *Retrier) Handle(ctx context.Context, payload []byte) error {
	var ev telemetry.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("consumer: decode event: %w", err)
	}
	if !NeedsRetry(&ev) {
		return nil
	}
	var (
		report *rolesync.Report
		err    error
	)
	switch ev.Type {
	case telemetry.EventUserVerified:
		report, err = r.syncer.SyncUserAcrossAllServers(ctx, ev.UserID)
	case telemetry.EventVerifiedRoleSet:
		report, err = r.syncer.SyncAllVerifiedOnServer(ctx, ev.GuildID)
	case telemetry.EventMemberJoined:
		var out *rolesync.Outcome
		if out, err = r.syncer.SyncMember(ctx, ev.GuildID, ev.UserID); err == nil && out != nil {
			report = &rolesync.Report{Outcomes: []rolesync.Outcome{*out}}
			err = out.Err
		}
	}
	if err != nil {
		return fmt.Errorf("consumer: retry %s: %w", ev.Type, err)
	}
	r.log.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("user_id", ev.UserID).
		Str("guild_id", ev.GuildID).
		Int("granted", report.Count(rolesync.StatusGranted)).
		Int("failed", len(report.Failures())).
		Msg("role sync retried")
	return nil
}

// Run reads events until ctx is done or the reader is closed (io.EOF).
// Read errors back off exponentially up to 30s; per-message failures are logged and skipped.
func (r *Retrier) Run(ctx context.Context, reader messageReader) error {
	backoff := minBackoff
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("consumer: reader closed")
			}
			r.log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			if !r.wait(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
		if err := r.Handle(handleCtx, msg.Value); err != nil {
			r.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("event handling failed")
		}
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
