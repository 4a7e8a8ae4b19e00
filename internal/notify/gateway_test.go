package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/domain/reservation"
)

type recordingDest struct {
	name   string
	chatID string
	fails  atomic.Int32
	block  chan struct{}

	mu   sync.Mutex
	got  []Event
	hits int
}

func (d *recordingDest) Name() string { return d.name }

func (d *recordingDest) Accepts(ev Event) bool {
	return d.chatID == "" || ev.channel().ChatID == d.chatID
}

func (d *recordingDest) Deliver(ctx context.Context, ev Event) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
	if d.fails.Load() > 0 {
		d.fails.Add(-1)
		return errors.New("temporary")
	}
	d.got = append(d.got, ev)
	return nil
}

func (d *recordingDest) delivered() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.got...)
}

func fastOptions() Options {
	return Options{QueueSize: 8, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func sampleReservation(seq int64, chat string) reservation.Reservation {
	d, _ := reservation.ParseDate("2024-05-10")
	return reservation.Reservation{
		ID:          "r-" + string(rune('0'+seq)),
		Sequence:    seq,
		Key:         reservation.ServiceKey{ChannelID: "ch", ServiceID: "svc"},
		Channel:     reservation.Channel{ID: "ch", Name: "Main", ChatID: chat},
		ServiceName: "Karta pobytu",
		Date:        d,
		Time:        "09:00",
		SlotLength:  20,
		Contact:     "48501234567",
		Source:      reservation.SourceForward,
	}
}

func TestFailingDestinationDoesNotBlockOthers(t *testing.T) {
	stuck := &recordingDest{name: "stuck", block: make(chan struct{})}
	ok := &recordingDest{name: "ok"}
	g := NewGateway(zap.NewNop(), fastOptions(), stuck, ok)

	g.Publish(sampleReservation(1, "c1"))
	g.Publish(sampleReservation(2, "c1"))

	require.Eventually(t, func() bool { return len(ok.delivered()) == 2 }, time.Second, 5*time.Millisecond)
	close(stuck.block)
	require.NoError(t, g.Close(context.Background()))
	assert.Len(t, stuck.delivered(), 2)
}

func TestDeliveryIsRetried(t *testing.T) {
	d := &recordingDest{name: "flaky"}
	d.fails.Store(2)
	g := NewGateway(zap.NewNop(), fastOptions(), d)

	g.Publish(sampleReservation(1, "c1"))
	require.NoError(t, g.Close(context.Background()))

	assert.Len(t, d.delivered(), 1)
	assert.Equal(t, 3, d.hits)
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	d := &recordingDest{name: "down"}
	d.fails.Store(100)
	g := NewGateway(zap.NewNop(), fastOptions(), d)

	g.Publish(sampleReservation(1, "c1"))
	require.NoError(t, g.Close(context.Background()))

	assert.Empty(t, d.delivered())
	assert.Equal(t, 3, d.hits)
}

func TestDuplicateSequenceIsSkipped(t *testing.T) {
	d := &recordingDest{name: "d"}
	g := NewGateway(zap.NewNop(), fastOptions(), d)

	g.Publish(sampleReservation(1, "c1"))
	g.Publish(sampleReservation(2, "c1"))
	g.Publish(sampleReservation(2, "c1"))
	g.Publish(sampleReservation(1, "c1"))
	require.NoError(t, g.Close(context.Background()))

	assert.Len(t, d.delivered(), 2)
}

func TestRoutingByChat(t *testing.T) {
	a := &recordingDest{name: "a", chatID: "c1"}
	b := &recordingDest{name: "b", chatID: "c2"}
	g := NewGateway(zap.NewNop(), fastOptions(), a, b)

	g.Publish(sampleReservation(1, "c1"))
	g.Alert(reservation.Channel{ID: "ch2", ChatID: "c2"}, "upstream down")
	require.NoError(t, g.Close(context.Background()))

	require.Len(t, a.delivered(), 1)
	require.Len(t, b.delivered(), 1)
	assert.Equal(t, KindAlert, b.delivered()[0].Kind)
}

func TestFullQueueDrops(t *testing.T) {
	d := &recordingDest{name: "slow", block: make(chan struct{})}
	opts := fastOptions()
	opts.QueueSize = 1
	g := NewGateway(zap.NewNop(), opts, d)

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			g.Publish(sampleReservation(i, "c1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	close(d.block)
	require.NoError(t, g.Close(context.Background()))
	assert.Less(t, len(d.delivered()), 10)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	d := &recordingDest{name: "d"}
	g := NewGateway(zap.NewNop(), fastOptions(), d)
	require.NoError(t, g.Close(context.Background()))
	assert.NotPanics(t, func() { g.Publish(sampleReservation(1, "c1")) })
}

func TestTelegramDeliver(t *testing.T) {
	var got map[string]any
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		calls.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", "c1", nil)
	ev := Event{Kind: KindReservation, Reservation: ptr(sampleReservation(1, "c1"))}
	require.True(t, tg.Accepts(ev))
	require.NoError(t, tg.Deliver(context.Background(), ev))

	assert.Equal(t, "c1", got["chat_id"])
	text := got["text"].(string)
	assert.True(t, strings.HasPrefix(text, "📣 Wizyta zarejestrowana"))
	assert.Contains(t, text, "📅 Data: 2024-05-10")
	assert.Contains(t, text, "📞 Numer: 48501234567")
	assert.Contains(t, got["reply_markup"], "mark_used")
}

func TestTelegramClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "T", "c1", nil).Deliver(context.Background(), Event{Alert: &Alert{Text: "x"}})
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "T", "c1", nil).Deliver(context.Background(), Event{Alert: &Alert{Text: "x"}})
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm))
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaDeliver(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafka(w, "reservations")
	r := sampleReservation(3, "c1")

	assert.False(t, k.Accepts(Event{Alert: &Alert{}}))
	require.NoError(t, k.Deliver(context.Background(), Event{Kind: KindReservation, Reservation: &r}))

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "ch/svc", string(m.Key))
	var body reservationEvent
	require.NoError(t, json.Unmarshal(m.Value, &body))
	assert.Equal(t, int64(3), body.Sequence)
	assert.Equal(t, "2024-05-10", body.Date)

	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "3", headers["sequence"])
	assert.Equal(t, r.ID, headers["event_id"])
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, SplitBrokers(""))
}

func ptr[T any](v T) *T { return &v }
