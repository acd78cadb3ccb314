package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/filter"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/session"
)

func (s *Service) runTurn(ctx context.Context, log *slog.Logger, t Turn) Result {
	log.Info("turn started", "text", truncate(t.Text, 200))
	turnEventID := s.events.Log(0, db.EventTurnStarted, map[string]any{
		"user_id": t.UserID,
		"chat_id": t.ChatID,
		"text":    truncate(t.Text, 1000),
	})

	if !s.allowUpstream() {
		log.Warn("circuit open, refusing turn", "error_class", s.circuit.OpenedClass())
		s.events.Log(turnEventID, db.EventTurnFailed, map[string]any{"reason": "circuit_open"})
		s.send(ctx, log, t.ChatID, unavailableNotice)
		return Result{Outcome: OutcomeUnavailable, Text: unavailableNotice}
	}

	if err := s.limiter.Check(t.ChatID, t.UserID); err != nil {
		var le *control.LimitError
		if !errors.As(err, &le) {
			log.Error("rate check failed", "error", err)
			return Result{Outcome: OutcomeFailed}
		}
		notice := rateLimitNotice(le)
		log.Info("rate limited", "type", le.Type, "retry_after", le.RetryAfterSeconds)
		s.metrics.RateLimited.WithLabelValues(string(le.Type)).Inc()
		s.events.Log(turnEventID, db.EventTurnRateLimited, map[string]any{
			"type":        string(le.Type),
			"limit":       le.Limit,
			"retry_after": le.RetryAfterSeconds,
		})
		s.send(ctx, log, t.ChatID, notice)
		return Result{Outcome: OutcomeRateLimited, Text: notice, RetryAfterSeconds: le.RetryAfterSeconds}
	}

	s.supersede(ctx, log, t.UserID, turnEventID)

	s.store.Append(t.UserID, ctxpkg.RoleUser, t.Text)

	placeholderID, err := s.sink.SendMessage(ctx, t.ChatID, placeholderNotice)
	if err != nil {
		log.Error("placeholder send failed", "error", err)
		s.events.Log(turnEventID, db.EventTurnFailed, map[string]any{"reason": "delivery", "error": err.Error()})
		return Result{Outcome: OutcomeDeliveryFailed}
	}

	sess := s.tracker.Begin(t.UserID, t.ChatID, placeholderID)
	s.metrics.ActiveGenerations.Set(float64(s.tracker.Active()))
	defer func() {
		s.tracker.Finish(sess)
		s.metrics.ActiveGenerations.Set(float64(s.tracker.Active()))
	}()

	messages := s.assembler.Assemble(s.cfg.SystemPrompt, s.store.Snapshot(t.UserID))

	upCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()
	start := s.now()
	raw, genErr := s.generate(upCtx, log, sess, messages)
	latency := s.now().Sub(start)
	s.observeUpstream(latency, genErr)

	// A cancelled session discards whatever arrived, successful or not.
	if sess.Cancelled() {
		log.Info("generation cancelled", "received_chars", len([]rune(raw)))
		s.events.Log(turnEventID, db.EventTurnCancelled, map[string]any{"received_chars": len([]rune(raw))})
		s.edit(ctx, log, t.ChatID, placeholderID, cancelledNotice)
		return Result{Outcome: OutcomeCancelled, Text: cancelledNotice}
	}

	if genErr != nil {
		s.recordUpstreamFailure(log, genErr)
		outcome, notice := OutcomeFailed, failureNotice
		if errors.Is(genErr, modelpkg.ErrTimeout) {
			outcome, notice = OutcomeTimeout, timeoutNotice
		}
		log.Error("generation failed", "error", genErr, "error_class", modelpkg.ErrorClass(genErr))
		s.events.Log(turnEventID, db.EventTurnFailed, map[string]any{
			"error_class": modelpkg.ErrorClass(genErr),
			"error":       truncate(genErr.Error(), 1000),
			"latency_ms":  latency.Milliseconds(),
		})
		s.edit(ctx, log, t.ChatID, placeholderID, notice)
		return Result{Outcome: outcome, Text: notice}
	}
	s.recordUpstreamSuccess(log)

	if strings.TrimSpace(raw) == "" {
		log.Warn("empty upstream response")
		s.events.Log(turnEventID, db.EventTurnFailed, map[string]any{"reason": "empty_response"})
		s.edit(ctx, log, t.ChatID, placeholderID, emptyNotice)
		return Result{Outcome: OutcomeEmpty, Text: emptyNotice}
	}

	outcome := OutcomeCompleted
	final := s.filter.Clean(raw)
	if final == "" {
		outcome = OutcomeFilteredFallback
		final = fallbackText(raw)
	}
	final = cmdpkg.Fit(final, s.cfg.MaxMessageChars)

	if !s.edit(ctx, log, t.ChatID, placeholderID, final) {
		s.send(ctx, log, t.ChatID, final)
	}
	s.store.Append(t.UserID, ctxpkg.RoleAssistant, final)

	s.events.Log(turnEventID, db.EventTurnCompleted, map[string]any{
		"latency_ms": latency.Milliseconds(),
		"raw_chars":  len([]rune(raw)),
		"chars":      len([]rune(final)),
		"filtered":   outcome == OutcomeCompleted,
	})
	return Result{Outcome: outcome, Text: final}
}

// fallbackText is what gets delivered when the filter leaves nothing usable:
// the original with only reasoning removed, or the original itself.
func fallbackText(raw string) string {
	if out := filter.StripReasoning(raw); out != "" {
		return out
	}
	return strings.TrimSpace(raw)
}

// supersede cancels the user's in-flight generation, if any, and waits up
// to the configured grace period for its pipeline to stop.
func (s *Service) supersede(ctx context.Context, log *slog.Logger, userID, turnEventID int64) {
	prev, ok := s.tracker.Get(userID)
	if !ok {
		return
	}
	s.tracker.Cancel(userID)
	s.metrics.Supersessions.Inc()
	s.events.Log(turnEventID, db.EventTurnSuperseded, map[string]any{"previous_message_id": prev.MessageID})

	timer := time.NewTimer(s.cfg.SupersedeGrace)
	defer timer.Stop()
	select {
	case <-prev.Done():
		log.Info("superseded previous generation", "previous_message_id", prev.MessageID)
	case <-timer.C:
		log.Warn("previous generation still running after grace period", "previous_message_id", prev.MessageID)
	case <-ctx.Done():
	}
}

// generate calls the transport and returns the accumulated raw text. In
// streaming mode it stops early, without error, once sess is cancelled.
func (s *Service) generate(ctx context.Context, log *slog.Logger, sess *session.Session, messages []ctxpkg.Message) (string, error) {
	if !s.cfg.Stream {
		resp, err := s.transport.ChatCompletion(ctx, messages)
		if err != nil {
			return "", err
		}
		log.Debug("completion received", "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
		return resp.Content, nil
	}

	stream, err := s.transport.ChatCompletionStream(ctx, messages)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	pacer := rate.NewLimiter(rate.Every(s.cfg.EditInterval), 1)
	var acc strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), err
		}
		if sess.Cancelled() {
			return acc.String(), nil
		}
		acc.WriteString(delta)

		if !pacer.AllowN(s.now(), 1) {
			continue
		}
		shown := s.filter.Strip(acc.String())
		if shown == "" {
			continue
		}
		if s.edit(ctx, log, sess.ChatID, sess.MessageID, cmdpkg.Fit(shown, s.cfg.MaxMessageChars-len([]rune(streamCursor)))+streamCursor) {
			s.metrics.StreamEdits.Inc()
		}
	}
}

func (s *Service) allowUpstream() bool {
	prev := s.circuit.State()
	allowed := s.circuit.Allow(s.now())
	if prev == control.CircuitOpen && s.circuit.State() == control.CircuitHalfOpen {
		s.logger.Info("circuit half-open, admitting one trial turn")
	}
	return allowed
}

func (s *Service) recordUpstreamFailure(log *slog.Logger, err error) {
	class := modelpkg.ErrorClass(err)
	if s.circuit.RecordFailure(class, s.now()) {
		log.Warn("circuit opened", "error_class", class)
		s.events.Log(0, db.EventCircuitOpened, map[string]any{
			"error_class":      class,
			"threshold":        s.circuit.Threshold,
			"cooldown_seconds": int(s.circuit.Cooldown.Seconds()),
		})
	}
}

func (s *Service) recordUpstreamSuccess(log *slog.Logger) {
	if s.circuit.RecordSuccess() {
		log.Info("circuit closed")
		s.events.Log(0, db.EventCircuitClosed, map[string]any{"recovered": true})
	}
}

func (s *Service) observeUpstream(latency time.Duration, err error) {
	mode := "buffered"
	if s.cfg.Stream {
		mode = "stream"
	}
	result := "ok"
	if err != nil {
		result = modelpkg.ErrorClass(err)
	}
	s.metrics.UpstreamDuration.WithLabelValues(mode, result).Observe(latency.Seconds())
}
