package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSink struct {
	mu      sync.Mutex
	nextID  int64
	sends   []string
	edits   map[int64][]string
	sendErr error
}

func newSink() *fakeSink {
	return &fakeSink{edits: make(map[int64][]string)}
}

func (f *fakeSink) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, &cmdpkg.DeliveryError{Op: "sendMessage", Err: f.sendErr}
	}
	f.nextID++
	f.sends = append(f.sends, text)
	return f.nextID, nil
}

func (f *fakeSink) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = append(f.edits[messageID], text)
	return nil
}

func (f *fakeSink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeSink) editsOf(messageID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits[messageID]...)
}

func (f *fakeSink) lastEdit(messageID int64) string {
	edits := f.editsOf(messageID)
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1]
}

// fakeReply scripts one transport call. chunks drive streaming mode;
// content is used as a single chunk when chunks is nil. A non-nil gate
// holds the first Recv until it is closed.
type fakeReply struct {
	content string
	chunks  []string
	err     error
	gate    chan struct{}
}

type fakeTransport struct {
	mu       sync.Mutex
	calls    int
	replies  []fakeReply
	opened   chan int
	messages [][]ctxpkg.Message
}

func newTransport(replies ...fakeReply) *fakeTransport {
	return &fakeTransport{replies: replies, opened: make(chan int, 16)}
}

func (f *fakeTransport) next(messages []ctxpkg.Message) (int, fakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, messages)
	if len(f.replies) == 0 {
		return f.calls, fakeReply{content: "default answer from the fake transport"}
	}
	i := f.calls - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.calls, f.replies[i]
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	_, r := f.next(messages)
	if r.err != nil {
		return modelpkg.CompletionResponse{}, r.err
	}
	return modelpkg.CompletionResponse{Content: r.content, InputTokens: len(messages), OutputTokens: 1}, nil
}

func (f *fakeTransport) ChatCompletionStream(ctx context.Context, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	n, r := f.next(messages)
	if r.err != nil && r.chunks == nil {
		return nil, r.err
	}
	chunks := r.chunks
	if chunks == nil && r.content != "" {
		chunks = []string{r.content}
	}
	f.opened <- n
	return &fakeStream{ctx: ctx, chunks: chunks, gate: r.gate, err: r.err}, nil
}

type fakeStream struct {
	ctx    context.Context
	chunks []string
	gate   chan struct{}
	err    error
	i      int
}

func (s *fakeStream) Recv() (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
			s.gate = nil
		case <-s.ctx.Done():
			return "", modelpkg.Classify(s.ctx, s.ctx.Err(), 0)
		}
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

var (
	errUpstream = errors.New("bad gateway")
	errTimeout  = fmt.Errorf("%w: context deadline exceeded", modelpkg.ErrTimeout)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SupersedeGrace = 50 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, cfg Config, tr *fakeTransport, opts ...Option) (*Service, *fakeSink, *fakeClock) {
	t.Helper()
	sink := newSink()
	clock := newClock()
	opts = append([]Option{WithClock(clock.Now), WithLogger(testLogger())}, opts...)
	return New(cfg, sink, tr, opts...), sink, clock
}

func textPtr(s string) *string { return &s }
