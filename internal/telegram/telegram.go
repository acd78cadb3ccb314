package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stupiduntilnot/chatrelay/internal/commander"
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase        string
	requestTimeout time.Duration
	httpClient     *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:        strings.TrimRight(apiBase, "/"),
		requestTimeout: requestTimeout,
		httpClient:     &http.Client{},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed code=%d: %s", e.Method, e.Code, e.Description)
}

func (e *APIError) entityError() bool {
	if e.Code != http.StatusBadRequest {
		return false
	}
	d := strings.ToLower(e.Description)
	return strings.Contains(d, "parse entities") || strings.Contains(d, "can't find end")
}

func (e *APIError) notModified() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "message is not modified")
}

// GetUpdates calls the getUpdates API. timeout is the long-poll duration in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]commander.Update, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout+time.Duration(timeout)*time.Second)
	defer cancel()

	var updates []commander.Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	return updates, nil
}

// SendMessage sends text to the chat and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.sendRendered(ctx, "sendMessage", map[string]any{"chat_id": chatID}, text, &sent)
	if err != nil {
		return 0, &commander.DeliveryError{Op: "sendMessage", Err: err}
	}
	return sent.MessageID, nil
}

// EditMessage replaces the text of an earlier message. Editing to identical
// text is not an error.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	err := c.sendRendered(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, text, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.notModified() {
		return nil
	}
	if err != nil {
		return &commander.DeliveryError{Op: "editMessageText", Err: err}
	}
	return nil
}

// SetWebhook registers url as the bot's webhook.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.callWithTimeout(ctx, "setWebhook", payload, nil)
}

// DeleteWebhook removes the webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.callWithTimeout(ctx, "deleteWebhook", map[string]any{}, nil)
}

// sendRendered tries each Rendering in order. Only Telegram's markup
// rejections move on to the next one; any other failure stops the attempt.
func (c *Client) sendRendered(ctx context.Context, method string, base map[string]any, text string, out any) error {
	text = commander.Fit(text, MaxMessageChars)

	var lastErr error
	for _, r := range Renderings {
		rendered := r.Render(text)
		if utf8.RuneCountInString(rendered) > MaxMessageChars {
			continue
		}
		payload := make(map[string]any, len(base)+2)
		for k, v := range base {
			payload[k] = v
		}
		payload["text"] = rendered
		if r.ParseMode != "" {
			payload["parse_mode"] = r.ParseMode
		}

		err := c.callWithTimeout(ctx, method, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.entityError() {
			lastErr = err
			continue
		}
		return err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("telegram %s: no rendering fits %d chars", method, MaxMessageChars)
	}
	return lastErr
}

func (c *Client) callWithTimeout(ctx context.Context, method string, payload any, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.call(ctx, method, payload, out)
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response status=%d: %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		code := tgResp.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: tgResp.Description}
	}
	if out == nil || len(tgResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}
