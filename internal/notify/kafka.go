package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/example/slotwatch/internal/domain/reservation"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every confirmed reservation to one topic, keyed by
// service so a service's events stay ordered within a partition.
type Kafka struct {
	w     MessageWriter
	topic string
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		BatchTimeout: 50 * time.Millisecond,
	})
}

func NewKafka(w MessageWriter, topic string) *Kafka { return &Kafka{w: w, topic: topic} }

func SplitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (k *Kafka) Name() string { return "kafka:" + k.topic }

func (k *Kafka) Accepts(ev Event) bool { return ev.Reservation != nil }

type reservationEvent struct {
	EventID       string    `json:"event_id"`
	Sequence      int64     `json:"sequence"`
	ChannelID     string    `json:"channel_id"`
	ChannelName   string    `json:"channel_name"`
	ChatID        string    `json:"chat_id"`
	ServiceID     string    `json:"service_id"`
	BranchName    string    `json:"branch_name"`
	ServiceName   string    `json:"service_name"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	SlotLength    int       `json:"slot_length"`
	Contact       string    `json:"contact"`
	AppointmentID string    `json:"appointment_id"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

func (k *Kafka) Deliver(ctx context.Context, ev Event) error {
	r := ev.Reservation
	if r == nil {
		return nil
	}
	value, err := json.Marshal(reservationEvent{
		EventID:       r.ID,
		Sequence:      r.Sequence,
		ChannelID:     r.Channel.ID,
		ChannelName:   r.Channel.Name,
		ChatID:        r.Channel.ChatID,
		ServiceID:     r.Key.ServiceID,
		BranchName:    r.BranchName,
		ServiceName:   r.ServiceName,
		Date:          reservation.FormatDate(r.Date),
		Time:          r.Time,
		SlotLength:    r.SlotLength,
		Contact:       r.Contact,
		AppointmentID: r.AppointmentID,
		Source:        string(r.Source),
		CreatedAt:     r.CreatedAt,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.Key.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(r.ID)},
			{Key: "event_type", Value: []byte("reservation.confirmed")},
			{Key: "sequence", Value: []byte(strconv.FormatInt(r.Sequence, 10))},
		},
		Time: r.CreatedAt,
	})
}

func (k *Kafka) Close() error { return k.w.Close() }
