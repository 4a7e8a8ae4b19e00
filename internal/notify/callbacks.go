package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Callbacks long-polls the bot for inline button presses. Pressing the
// button under a reservation message marks the visit as used by rewriting
// the message.
type Callbacks struct {
	apiURL      string
	token       string
	hc          *http.Client
	log         *zap.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration

	offset int64
}

type CallbackOptions struct {
	APIURL string
	Token  string
	// PollTimeout is how long one getUpdates call may wait for updates.
	PollTimeout time.Duration
	// RetryDelay is the first pause after a failed poll; it grows up to a minute.
	RetryDelay time.Duration
	// Client defaults to one whose timeout covers the long poll.
	Client *http.Client
}

func NewCallbacks(log *zap.Logger, opts CallbackOptions) *Callbacks {
	if opts.APIURL == "" {
		opts.APIURL = DefaultTelegramAPI
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.PollTimeout + 15*time.Second}
	}
	return &Callbacks{
		apiURL:      strings.TrimRight(opts.APIURL, "/"),
		token:       opts.Token,
		hc:          opts.Client,
		log:         log,
		pollTimeout: opts.PollTimeout,
		retryDelay:  opts.RetryDelay,
	}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID      string `json:"id"`
	Data    string `json:"data"`
	Message *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls until ctx is cancelled. Poll failures are logged and retried
// with backoff; Run itself only returns nil.
func (c *Callbacks) Run(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	c.log.Info("telegram callback polling started", zap.Duration("poll_timeout", c.pollTimeout))

	for {
		_, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			b.Reset()
			continue
		}
		wait := b.NextBackOff()
		c.log.Warn("telegram getUpdates failed", zap.Duration("retry_in", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Poll fetches one batch of updates, handles the callback queries in it and
// returns the batch size.
func (c *Callbacks) Poll(ctx context.Context) (int, error) {
	var updates []update
	req := map[string]any{
		"offset":          c.offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"callback_query"},
	}
	if err := botCall(ctx, c.hc, c.apiURL, c.token, "getUpdates", req, &updates); err != nil {
		return 0, err
	}
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		if u.CallbackQuery != nil {
			c.handle(ctx, u.CallbackQuery)
		}
	}
	return len(updates), nil
}

func (c *Callbacks) handle(ctx context.Context, q *callbackQuery) {
	log := c.log.With(zap.String("callback_id", q.ID), zap.String("data", q.Data))

	if q.Data == markUsedData && q.Message != nil {
		edit := map[string]any{
			"chat_id":    q.Message.Chat.ID,
			"message_id": q.Message.MessageID,
			"text":       markUsedText(q.Message.Text),
		}
		if err := botCall(ctx, c.hc, c.apiURL, c.token, "editMessageText", edit, nil); err != nil {
			log.Warn("marking visit used failed", zap.Int64("message_id", q.Message.MessageID), zap.Error(err))
		} else {
			log.Info("visit marked used",
				zap.Int64("chat_id", q.Message.Chat.ID), zap.Int64("message_id", q.Message.MessageID))
		}
	}

	// always answered, or the client keeps showing a spinner
	if err := botCall(ctx, c.hc, c.apiURL, c.token, "answerCallbackQuery", map[string]any{"callback_query_id": q.ID}, nil); err != nil {
		log.Warn("answering callback failed", zap.Error(err))
	}
}

// markUsedText replaces the visit status section of a reservation message.
// The edited message carries no keyboard, so the button disappears.
func markUsedText(text string) string {
	head, _, _ := strings.Cut(text, "\n\n")
	return head + visitUsed
}
