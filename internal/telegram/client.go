package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

const (
	maxPhotoBytes    = 10 << 20
	maxVideoBytes    = 50 << 20
	maxResponseBytes = 1 << 20
)

// BotInfo is what Validate learns about the bot and its target chat
type BotInfo struct {
	BotUsername string `json:"bot_username"`
	ChatID      int64  `json:"chat_id"`
	ChatTitle   string `json:"chat_title,omitempty"`
	ChatType    string `json:"chat_type"`
}

// Client delivers story media to one chat through the Telegram Bot API.
// All bot API calls share one rate limiter.
type Client struct {
	apiBase     string
	token       string
	chatID      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	timeout     time.Duration
	photoLimit  int64
	videoLimit  int64
	logger      *log.Logger
}

// NewClient creates a bot API client from cfg
func NewClient(cfg config.TelegramConfig, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		apiBase:     strings.TrimSuffix(cfg.APIBaseURL, "/"),
		token:       cfg.BotToken,
		chatID:      cfg.ChatID,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, 1),
		maxAttempts: attempts,
		baseBackoff: cfg.BaseBackoff,
		timeout:     timeout,
		photoLimit:  maxPhotoBytes,
		videoLimit:  maxVideoBytes,
		logger:      logger,
	}
}

// Send downloads the item's media and posts it to the chat with caption
func (c *Client) Send(ctx context.Context, item models.Item, caption string) (models.DeliveryReceipt, error) {
	var payload []byte
	err := c.retry(ctx, "download", func(ctx context.Context) error {
		var err error
		payload, err = c.download(ctx, item)
		return err
	})
	if err != nil {
		return models.DeliveryReceipt{}, err
	}

	method, field, filename := "sendPhoto", "photo", item.ID+".jpg"
	fields := map[string]string{}
	if item.Kind == models.MediaVideo {
		method, field, filename = "sendVideo", "video", item.ID+".mp4"
		fields["supports_streaming"] = "true"
	}
	fields["chat_id"] = c.chatID
	fields["caption"] = caption
	fields["parse_mode"] = "HTML"

	body, contentType, err := buildMultipart(fields, field, filename, payload)
	if err != nil {
		return models.DeliveryReceipt{}, permanent(0, "build upload", err)
	}

	var receipt models.DeliveryReceipt
	err = c.retry(ctx, method, func(ctx context.Context) error {
		result, err := c.call(ctx, method, contentType, bytes.NewReader(body))
		if err != nil {
			return err
		}
		r, err := messageReceipt(result, c.chatID)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return models.DeliveryReceipt{}, err
	}

	c.logger.Info("media sent", "item", item.ID, "kind", item.Kind, "bytes", len(payload), "message_id", receipt.MessageID)
	return receipt, nil
}

// SendText posts an HTML text message to the chat
func (c *Client) SendText(ctx context.Context, text string) (models.DeliveryReceipt, error) {
	form := url.Values{
		"chat_id":    {c.chatID},
		"text":       {text},
		"parse_mode": {"HTML"},
	}

	var receipt models.DeliveryReceipt
	err := c.retry(ctx, "sendMessage", func(ctx context.Context) error {
		result, err := c.callForm(ctx, "sendMessage", form)
		if err != nil {
			return err
		}
		r, err := messageReceipt(result, c.chatID)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// Validate checks the bot token with getMe and chat access with getChat
func (c *Client) Validate(ctx context.Context) (*BotInfo, error) {
	info := &BotInfo{}

	err := c.retry(ctx, "getMe", func(ctx context.Context) error {
		result, err := c.callForm(ctx, "getMe", nil)
		if err != nil {
			return err
		}
		if !result.IsObject() || result.Get("username").Type != gjson.String {
			return malformed(http.StatusOK, "getMe result has no username")
		}
		info.BotUsername = result.Get("username").String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bot token check failed: %w", err)
	}

	err = c.retry(ctx, "getChat", func(ctx context.Context) error {
		result, err := c.callForm(ctx, "getChat", url.Values{"chat_id": {c.chatID}})
		if err != nil {
			return err
		}
		if !result.IsObject() || result.Get("id").Type != gjson.Number {
			return malformed(http.StatusOK, "getChat result has no id")
		}
		info.ChatID = result.Get("id").Int()
		info.ChatTitle = result.Get("title").String()
		info.ChatType = result.Get("type").String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat %s check failed: %w", c.chatID, err)
	}

	return info, nil
}

// retry runs fn up to maxAttempts times. Only transient and malformed
// failures are retried; the delay doubles from baseBackoff unless the API
// asked for a specific retry_after.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var sendErr *SendError
		if !errors.As(err, &sendErr) || !sendErr.retryable() {
			return err
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		wait := c.baseBackoff * time.Duration(1<<attempt)
		if sendErr.RetryAfter > 0 {
			wait = sendErr.RetryAfter
		}
		c.logger.Warn("bot api call failed, retrying", "op", op, "attempt", attempt+1, "wait", wait, "err", err)

		select {
		case <-ctx.Done():
			return transient(0, "", ctx.Err())
		case <-time.After(wait):
		}
	}

	return lastErr
}

func (c *Client) maxBytes(kind models.MediaKind) int64 {
	if kind == models.MediaVideo {
		return c.videoLimit
	}
	return c.photoLimit
}

func (c *Client) download(ctx context.Context, item models.Item) ([]byte, error) {
	limit := c.maxBytes(item.Kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return nil, permanent(0, "invalid media url", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(0, "media download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, "media download")
	}

	tooLarge := func(size int64) error {
		return &SendError{
			Kind:        ErrPayloadTooLarge,
			Description: fmt.Sprintf("%s of %d bytes exceeds %d byte limit", item.Kind, size, limit),
		}
	}
	if resp.ContentLength > limit {
		return nil, tooLarge(resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, transient(0, "read media", err)
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(int64(len(data)))
	}
	return data, nil
}

func (c *Client) methodURL(method string) string {
	return c.apiBase + "/bot" + c.token + "/" + method
}

func (c *Client) callForm(ctx context.Context, method string, form url.Values) (gjson.Result, error) {
	return c.call(ctx, method, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (c *Client) call(ctx context.Context, method, contentType string, body io.Reader) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, transient(0, "rate limit wait", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return gjson.Result{}, permanent(0, "build request", redact(err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, transient(0, method, redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, transient(resp.StatusCode, "read response", err)
	}
	return parseResponse(resp.StatusCode, raw)
}

// parseResponse validates the bot API envelope and returns its result field
func parseResponse(status int, raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		if status == http.StatusTooManyRequests || status >= 500 {
			return gjson.Result{}, transient(status, "non-JSON error body", nil)
		}
		return gjson.Result{}, malformed(status, "body is not valid JSON")
	}

	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return gjson.Result{}, malformed(status, "body is not a JSON object")
	}

	ok := doc.Get("ok")
	switch ok.Type {
	case gjson.True:
		result := doc.Get("result")
		if !result.Exists() {
			return gjson.Result{}, malformed(status, "missing result")
		}
		return result, nil
	case gjson.False:
	default:
		return gjson.Result{}, malformed(status, "missing ok flag")
	}

	code := int(doc.Get("error_code").Int())
	if code == 0 {
		code = status
	}
	sendErr := classifyStatus(code, doc.Get("description").String())
	if ra := doc.Get("parameters.retry_after"); ra.Type == gjson.Number && ra.Int() > 0 {
		sendErr.RetryAfter = time.Duration(ra.Int()) * time.Second
	}
	return gjson.Result{}, sendErr
}

func messageReceipt(result gjson.Result, chatID string) (models.DeliveryReceipt, error) {
	if !result.IsObject() {
		return models.DeliveryReceipt{}, malformed(http.StatusOK, "result is not an object")
	}
	id := result.Get("message_id")
	if id.Type != gjson.Number {
		return models.DeliveryReceipt{}, malformed(http.StatusOK, "result has no message_id")
	}
	return models.DeliveryReceipt{
		MessageID: id.Int(),
		ChatID:    chatID,
		SentAt:    time.Now().UTC(),
	}, nil
}

func buildMultipart(fields map[string]string, fileField, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// redact drops the request URL, which carries the bot token, from transport errors
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
