package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

type action struct {
	kind string
	arg  string
}

// parseScript parses a comma separated action list. Supported actions:
// ok, ok:<text>, err[:class], sleep:<ms>, hang, msg:<text>, msgb64:<base64>.
func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		kind, arg, _ := strings.Cut(token, ":")
		switch kind {
		case "ok", "err", "sleep", "hang", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action; the last one repeats forever.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepCtx(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Commander is a scripted chat platform. Poll actions produce updates from
// a single fixed user; every sent and edited text is recorded.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	nextMsg  int64
	sent     []string
	edits    map[int64][]string
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1, nextMsg: 100, edits: make(map[int64][]string)}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	var text string
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepCtx(ctx, a.arg)
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	case "msg":
		text = a.arg
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		text = string(raw)
	default:
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateID++
	return []cmdpkg.Update{
		{
			UpdateID: c.updateID,
			Message: &cmdpkg.Message{
				MessageID: c.updateID,
				From:      &cmdpkg.User{ID: 1, FirstName: "Dummy"},
				Chat:      cmdpkg.Chat{ID: 1},
				Text:      &text,
				Date:      time.Now().Unix(),
			},
		},
	}, nil
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return 0, &cmdpkg.DeliveryError{Op: "sendMessage", Err: fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))}
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return 0, &cmdpkg.DeliveryError{Op: "sendMessage", Err: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsg++
	c.sent = append(c.sent, text)
	return c.nextMsg, nil
}

func (c *Commander) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits[messageID] = append(c.edits[messageID], text)
	return nil
}

// Sent returns every text passed to SendMessage, in order.
func (c *Commander) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Edits returns the edit history of one message.
func (c *Commander) Edits(messageID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.edits[messageID]...)
}

// Provider is a scripted completion transport.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	content, err := p.run(ctx)
	if err != nil {
		return modelpkg.CompletionResponse{}, err
	}
	return modelpkg.CompletionResponse{
		Content:      content,
		InputTokens:  len(messages),
		OutputTokens: 1,
	}, nil
}

// ChatCompletionStream yields the scripted content split after each space.
func (p *Provider) ChatCompletionStream(ctx context.Context, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	content, err := p.run(ctx)
	if err != nil {
		return nil, err
	}
	return &chunkStream{chunks: strings.SplitAfter(content, " ")}, nil
}

func (p *Provider) run(ctx context.Context) (string, error) {
	p.mu.Lock()
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "ok":
		return emptyAs(a.arg, "dummy-ok"), nil
	case "err":
		return "", &modelpkg.TransportError{Err: fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))}
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return "", modelpkg.Classify(ctx, err, 0)
		}
		return "dummy-after-sleep", nil
	case "hang":
		<-ctx.Done()
		return "", modelpkg.Classify(ctx, ctx.Err(), 0)
	case "msg":
		return a.arg, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return "", fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return string(raw), nil
	default:
		return "dummy-ok", nil
	}
}

type chunkStream struct {
	chunks []string
	index  int
}

func (s *chunkStream) Recv() (string, error) {
	for s.index < len(s.chunks) {
		c := s.chunks[s.index]
		s.index++
		if c != "" {
			return c, nil
		}
	}
	return "", io.EOF
}

func (s *chunkStream) Close() error {
	return nil
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
