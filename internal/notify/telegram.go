package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/slotwatch/internal/domain/reservation"
)

const DefaultTelegramAPI = "https://api.telegram.org"

const (
	markUsedData = "mark_used"
	visitSection = "\n\nWizyta wykorzystana: "
	visitUnused  = visitSection + "✅Nie"
	visitUsed    = visitSection + "❌Tak"
)

// Telegram delivers to one chat through the Bot API. One destination is
// registered per configured chat.
type Telegram struct {
	apiURL string
	token  string
	chatID string
	hc     *http.Client
}

func NewTelegram(apiURL, token, chatID string, hc *http.Client) *Telegram {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Telegram{apiURL: strings.TrimRight(apiURL, "/"), token: token, chatID: chatID, hc: hc}
}

func (t *Telegram) Name() string { return "telegram:" + t.chatID }

func (t *Telegram) Accepts(ev Event) bool {
	return ev.channel().ChatID == t.chatID
}

func (t *Telegram) Deliver(ctx context.Context, ev Event) error {
	msg := map[string]any{"chat_id": t.chatID}
	switch {
	case ev.Reservation != nil:
		msg["text"] = FormatReservation(*ev.Reservation) + visitUnused
		markup, _ := json.Marshal(map[string]any{
			"inline_keyboard": [][]map[string]string{{{"text": "Wykorzystać wizytę", "callback_data": markUsedData}}},
		})
		msg["reply_markup"] = string(markup)
	case ev.Alert != nil:
		msg["text"] = FormatAlert(ev.Alert.Text)
	default:
		return backoff.Permanent(fmt.Errorf("empty event"))
	}
	return t.send(ctx, "sendMessage", msg)
}

// FormatReservation renders the chat message for a confirmed reservation.
func FormatReservation(r reservation.Reservation) string {
	return fmt.Sprintf("📣 Wizyta zarejestrowana\n"+
		"✔️ Sprawa: %s\n"+
		"⏩ Długość: %d minut\n"+
		"📅 Data: %s\n"+
		"🕗 Godzina: %s\n"+
		"📞 Numer: %s",
		r.ServiceName, r.SlotLength, reservation.FormatDate(r.Date), r.Time, r.Contact)
}

func FormatAlert(text string) string {
	return "⚠️ Błąd w systemie rejestracji:\n" + text
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

func (t *Telegram) send(ctx context.Context, method string, payload any) error {
	return botCall(ctx, t.hc, t.apiURL, t.token, method, payload, nil)
}

// botCall invokes one Bot API method and decodes its result into out when
// out is non-nil. Client errors are returned as backoff.Permanent.
func botCall(ctx context.Context, hc *http.Client, apiURL, token, method string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	u := fmt.Sprintf("%s/bot%s/%s", apiURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))

	var tr telegramResponse
	_ = json.Unmarshal(body, &tr)
	if res.StatusCode == http.StatusOK && tr.OK {
		if out != nil && len(tr.Result) > 0 {
			if err := json.Unmarshal(tr.Result, out); err != nil {
				return backoff.Permanent(fmt.Errorf("telegram %s: decode result: %w", method, err))
			}
		}
		return nil
	}
	err = fmt.Errorf("telegram %s: status=%d: %s", method, res.StatusCode, tr.Description)
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}
