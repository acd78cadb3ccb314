// Package relay runs chat turns: commands, rate limits, supersession,
// upstream completion, filtering and delivery.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/filter"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/session"
)

// Outcome is the terminal result of one turn.
type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"
	OutcomeRejected         Outcome = "rejected"
	OutcomeCommand          Outcome = "command"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomeDeliveryFailed   Outcome = "delivery_failed"
	OutcomeCompleted        Outcome = "completed"
	OutcomeFilteredFallback Outcome = "filtered_fallback"
	OutcomeEmpty            Outcome = "empty"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeFailed           Outcome = "failed"
)

// Turn is one inbound text message.
type Turn struct {
	UserID   int64
	ChatID   int64
	UserName string
	Text     string
}

// Result reports what a turn ended with. Text is the last text delivered
// for the turn; RetryAfterSeconds is set for OutcomeRateLimited.
type Result struct {
	Outcome           Outcome
	Text              string
	RetryAfterSeconds int
}

// Config holds the pipeline settings.
type Config struct {
	SystemPrompt    string
	Stream          bool
	UpstreamTimeout time.Duration
	EditInterval    time.Duration
	MaxMessageChars int
	SupersedeGrace  time.Duration
	HistoryLimit    int
	Policy          control.Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Stream:          true,
		UpstreamTimeout: 180 * time.Second,
		EditInterval:    500 * time.Millisecond,
		MaxMessageChars: 4096,
		SupersedeGrace:  2 * time.Second,
		HistoryLimit:    ctxpkg.DefaultHistoryLimit,
		Policy:          control.DefaultPolicy(),
	}
}

// Service owns the shared state of the relay: conversation store, rate
// windows, generation sessions and the upstream circuit breaker.
type Service struct {
	cfg       Config
	sink      cmdpkg.Sink
	transport modelpkg.Transport

	store     *ctxpkg.Store
	limiter   *control.Limiter
	tracker   *session.Tracker
	filter    *filter.Filter
	assembler ctxpkg.Assembler
	circuit   *control.CircuitBreaker

	events  *db.EventLog
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects the time source used by the windows, the store, the
// circuit breaker and stream pacing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventLog records turns in the audit log.
func WithEventLog(l *db.EventLog) Option {
	return func(s *Service) { s.events = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithFilter replaces the response filter.
func WithFilter(f *filter.Filter) Option {
	return func(s *Service) { s.filter = f }
}

// WithCircuitBreaker replaces the upstream circuit breaker.
func WithCircuitBreaker(c *control.CircuitBreaker) Option {
	return func(s *Service) { s.circuit = c }
}

// New creates a Service delivering through sink and completing through transport.
func New(cfg Config, sink cmdpkg.Sink, transport modelpkg.Transport, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		sink:      sink,
		transport: transport,
		tracker:   session.NewTracker(),
		assembler: &ctxpkg.StandardAssembler{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filter == nil {
		s.filter = filter.New(nil)
	}
	if s.circuit == nil {
		s.circuit = control.NewCircuitBreaker(5, 30*time.Second)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.store = ctxpkg.NewStore(cfg.HistoryLimit).WithClock(s.now)
	s.limiter = control.NewLimiter(cfg.Policy).WithClock(s.now)
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Store returns the conversation store.
func (s *Service) Store() *ctxpkg.Store { return s.store }

// Limiter returns the rate limiter.
func (s *Service) Limiter() *control.Limiter { return s.limiter }

// Tracker returns the generation session tracker.
func (s *Service) Tracker() *session.Tracker { return s.tracker }

// Dispatch handles update on its own goroutine. Shutdown waits for it.
func (s *Service) Dispatch(update cmdpkg.Update) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.HandleUpdate(s.baseCtx, update)
	}()
}

// Shutdown waits for dispatched updates to finish. If ctx expires first,
// in-flight upstream calls are aborted and ctx's error is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}

// HandleUpdate turns an update envelope into a turn. Updates without a
// message are ignored; non-text messages get a fixed notice.
func (s *Service) HandleUpdate(ctx context.Context, update cmdpkg.Update) Result {
	msg := update.Message
	if msg == nil {
		return Result{Outcome: OutcomeIgnored}
	}
	if msg.Text == nil {
		s.send(ctx, s.logger.With("chat_id", msg.Chat.ID, "update_id", update.UpdateID), msg.Chat.ID, textOnlyNotice)
		s.metrics.Turns.WithLabelValues(string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected, Text: textOnlyNotice}
	}
	text := strings.TrimSpace(*msg.Text)
	if text == "" {
		return Result{Outcome: OutcomeIgnored}
	}

	t := Turn{ChatID: msg.Chat.ID, UserID: msg.Chat.ID, UserName: "User", Text: text}
	if msg.From != nil {
		t.UserID = msg.From.ID
		if msg.From.FirstName != "" {
			t.UserName = msg.From.FirstName
		}
	}
	return s.HandleTurn(ctx, t)
}

// HandleTurn runs one turn to completion. It never fails: every error is
// delivered to the user as a notice and reported as an Outcome.
func (s *Service) HandleTurn(ctx context.Context, t Turn) Result {
	log := s.logger.With("user_id", t.UserID, "chat_id", t.ChatID, "turn_id", uuid.NewString())

	var res Result
	if cmd, ok := parseCommand(t.Text); ok {
		res = s.handleCommand(ctx, log, t, cmd)
	} else {
		res = s.runTurn(ctx, log, t)
	}
	s.metrics.Turns.WithLabelValues(string(res.Outcome)).Inc()
	log.Info("turn finished", "outcome", res.Outcome, "reply", truncate(res.Text, 200))
	return res
}

type command string

const (
	cmdStart  command = "/start"
	cmdClear  command = "/clear"
	cmdCancel command = "/cancel"
	cmdStatus command = "/status"
	cmdHelp   command = "/help"
)

// parseCommand matches the first word of text, ignoring a "@botname" suffix.
func parseCommand(text string) (command, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.Fields(text)[0]
	if at := strings.IndexByte(word, '@'); at > 0 {
		word = word[:at]
	}
	switch c := command(strings.ToLower(word)); c {
	case cmdStart, cmdClear, cmdCancel, cmdStatus, cmdHelp:
		return c, true
	}
	return "", false
}

func (s *Service) handleCommand(ctx context.Context, log *slog.Logger, t Turn, cmd command) Result {
	var reply string
	switch cmd {
	case cmdStart:
		s.store.Clear(t.UserID)
		reply = welcomeNotice(t.UserName)
	case cmdClear:
		s.store.Clear(t.UserID)
		reply = clearedNotice
	case cmdCancel:
		if s.tracker.Cancel(t.UserID) {
			reply = cancelOKNotice
		} else {
			reply = cancelNoneNotice
		}
	case cmdStatus:
		reply = statusNotice(
			s.limiter.Status(t.UserID),
			s.limiter.BurstStatus(t.ChatID, t.UserID),
			len(s.store.Snapshot(t.UserID)),
		)
	case cmdHelp:
		reply = helpNotice
	}

	log.Info("command", "command", string(cmd))
	s.events.Log(0, db.EventCommandHandled, map[string]any{
		"command": string(cmd),
		"user_id": t.UserID,
		"chat_id": t.ChatID,
	})
	s.send(ctx, log, t.ChatID, reply)
	return Result{Outcome: OutcomeCommand, Text: reply}
}

// send delivers a standalone notice. Failures are logged only.
func (s *Service) send(ctx context.Context, log *slog.Logger, chatID int64, text string) bool {
	if _, err := s.sink.SendMessage(ctx, chatID, cmdpkg.Fit(text, s.cfg.MaxMessageChars)); err != nil {
		log.Warn("send failed", "error", err)
		return false
	}
	return true
}

// edit replaces the placeholder text. Failures are logged only.
func (s *Service) edit(ctx context.Context, log *slog.Logger, chatID, messageID int64, text string) bool {
	if err := s.sink.EditMessage(ctx, chatID, messageID, cmdpkg.Fit(text, s.cfg.MaxMessageChars)); err != nil {
		log.Warn("edit failed", "message_id", messageID, "error", err)
		return false
	}
	return true
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
