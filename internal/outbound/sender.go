// Package outbound implements OutboundSender: per-side send serialization,
// retry with capped exponential backoff, and idempotent message-mapping
// bookkeeping for messages crossing from one side of the bridge to the
// other.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/matrixdiscord/bridge/internal/messageflow"
	"github.com/matrixdiscord/bridge/internal/store"
)

// Side identifies which transport a send is headed across.
type Side int

const (
	SideDiscord Side = iota
	SideMatrix
)

// PermanentError wraps a delivery failure the sender must not retry (e.g.
// a non-429 4xx from either API).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should be surfaced without retry.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// DiscordSendResult is what a successful Discord delivery reports back.
type DiscordSendResult struct {
	DiscordMessageID string
}

// MatrixSendResult is what a successful Matrix delivery reports back.
type MatrixSendResult struct {
	MatrixEventID string
}

// DiscordSink performs one Discord send attempt. Callers close over
// whatever's needed to address the send (channel id, webhook identity,
// ghost display name) — Sender only cares about serialization, pacing,
// and retry.
type DiscordSink func(ctx context.Context) (DiscordSendResult, error)

// MatrixSink performs one Matrix send attempt, analogous to DiscordSink.
type MatrixSink func(ctx context.Context) (MatrixSendResult, error)

// Config configures a Sender's pacing and retry policy.
type Config struct {
	DiscordSendDelay time.Duration // minimum spacing between successive Discord sends
	RetryBaseDelay   time.Duration // default 2s
	RetryMaxDelay    time.Duration // default 300s
	MaxAttempts      int           // default 5
}

func (c Config) withDefaults() Config {
	if c.DiscordSendDelay <= 0 {
		c.DiscordSendDelay = 1500 * time.Millisecond
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 300 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Sender serializes sends per side and persists the resulting message
// mapping on success.
type Sender struct {
	store store.MappingStore
	cfg   Config

	discordMu       sync.Mutex
	matrixMu        sync.Mutex
	lastDiscordSend time.Time
}

func New(s store.MappingStore, cfg Config) *Sender {
	return &Sender{
		store: s,
		cfg:   cfg.withDefaults(),
	}
}

// SendToDiscord serializes sends to Discord behind a single mutex (per the
// concurrency model's per-side ordering guarantee), enforces the configured
// inter-message delay, retries transient failures with capped exponential
// backoff, and on success upserts the resulting MessageMapping.
// matrixEventID is the source Matrix event id recorded as that mapping's
// matrix_event_id.
func (s *Sender) SendToDiscord(ctx context.Context, roomMatrixID, matrixEventID string, send DiscordSink) (DiscordSendResult, error) {
	s.discordMu.Lock()
	defer s.discordMu.Unlock()

	if wait := s.cfg.DiscordSendDelay - time.Since(s.lastDiscordSend); wait > 0 {
		select {
		case <-ctx.Done():
			return DiscordSendResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	result, err := retry(ctx, s.cfg, func() (DiscordSendResult, error) { return send(ctx) })
	s.lastDiscordSend = time.Now()
	if err != nil {
		return DiscordSendResult{}, fmt.Errorf("send to discord for matrix room %s: %w", roomMatrixID, err)
	}

	if _, err := s.store.UpsertMessageMapping(result.DiscordMessageID, roomMatrixID, matrixEventID); err != nil {
		log.Printf("[outbound] message mapping persist failed for discord message %s: %v", result.DiscordMessageID, err)
	}

	return result, nil
}

// SendToMatrix is the Matrix-side analogue of SendToDiscord. Matrix has no
// configured inter-message delay, so only serialization and retry apply.
// discordMessageID is the source message this send corresponds to, for the
// resulting MessageMapping row.
func (s *Sender) SendToMatrix(ctx context.Context, roomID, discordMessageID string, send MatrixSink) (MatrixSendResult, error) {
	s.matrixMu.Lock()
	defer s.matrixMu.Unlock()

	result, err := retry(ctx, s.cfg, func() (MatrixSendResult, error) { return send(ctx) })
	if err != nil {
		return MatrixSendResult{}, fmt.Errorf("send to matrix room %s: %w", roomID, err)
	}

	if discordMessageID != "" {
		if _, err := s.store.UpsertMessageMapping(discordMessageID, roomID, result.MatrixEventID); err != nil {
			log.Printf("[outbound] message mapping persist failed for matrix event %s: %v", result.MatrixEventID, err)
		}
	}

	return result, nil
}

// retry runs fn up to cfg.MaxAttempts times with capped exponential backoff
// between attempts, stopping immediately on a PermanentError or context
// cancellation.
func retry[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	delay := cfg.RetryBaseDelay

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
	}

	return zero, fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// ShouldForwardDiscordTyping reports whether a Discord typing event observed
// at eventTime is still fresh enough to forward as a Matrix typing
// indicator, given Matrix's fixed 4-second typing timeout.
func ShouldForwardDiscordTyping(eventTime, now time.Time) bool {
	const matrixTypingTimeout = 4000 * time.Millisecond
	return now.Sub(eventTime) < matrixTypingTimeout
}
