// Package qmatic talks to a Qmatic web-booking REST backend. Every method
// performs exactly one attempt; retries belong to the caller.
package qmatic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/session"
)

const (
	defaultDuration           = 20
	defaultAdditionalDuration = 10
)

var ErrServiceNotFound = errors.New("service not offered by branch")

type Client struct {
	baseURL string
	email   string
	hc      *http.Client

	mu          sync.Mutex
	slotLengths map[string]int
}

type Options struct {
	BaseURL string
	// Email is submitted with every customer record.
	Email string
	// Transport is used for tests; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

func New(opts Options) *Client {
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		email:       opts.Email,
		hc:          &http.Client{Transport: opts.Transport},
		slotLengths: map[string]int{},
	}
}

type serviceDetails struct {
	PublicID           string `json:"publicId"`
	Name               string `json:"name"`
	Duration           *int   `json:"duration"`
	AdditionalDuration *int   `json:"additionalDuration"`
}

type dateEntry struct {
	Date string `json:"date"`
}

type timeEntry struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// SlotLength returns the appointment length in minutes for adults people,
// fetched once per branch and service.
func (c *Client) SlotLength(ctx context.Context, sess session.Session, branchID, serviceID string, adults int) (int, error) {
	if adults < 1 {
		adults = 1
	}
	cacheKey := branchID + "/" + serviceID + "/" + strconv.Itoa(adults)
	c.mu.Lock()
	n, ok := c.slotLengths[cacheKey]
	c.mu.Unlock()
	if ok {
		return n, nil
	}

	var services []serviceDetails
	if err := c.getJSON(ctx, sess, "services", c.baseURL+"/branches/"+url.PathEscape(branchID)+"/services;validate=true", &services); err != nil {
		return 0, err
	}
	for _, s := range services {
		if s.PublicID != serviceID {
			continue
		}
		duration, additional := defaultDuration, defaultAdditionalDuration
		if s.Duration != nil {
			duration = *s.Duration
		}
		if s.AdditionalDuration != nil {
			additional = *s.AdditionalDuration
		}
		n := duration + additional*(adults-1)
		c.mu.Lock()
		c.slotLengths[cacheKey] = n
		c.mu.Unlock()
		return n, nil
	}
	return 0, &reservation.UpstreamError{Op: "services", Err: fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)}
}

func (c *Client) ListDates(ctx context.Context, sess session.Session, branchID, serviceID string, adults int) ([]time.Time, error) {
	length, err := c.SlotLength(ctx, sess, branchID, serviceID, adults)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/branches/%s/dates;servicePublicId=%s;customSlotLength=%d",
		c.baseURL, url.PathEscape(branchID), url.PathEscape(serviceID), length)

	var entries []dateEntry
	if err := c.getJSON(ctx, sess, "dates", u, &entries); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		d, err := parseUpstreamDate(e.Date)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) ListSlots(ctx context.Context, sess session.Session, branchID, serviceID string, adults int, date time.Time) ([]reservation.Slot, error) {
	length, err := c.SlotLength(ctx, sess, branchID, serviceID, adults)
	if err != nil {
		return nil, err
	}
	day := reservation.FormatDate(date)
	u := fmt.Sprintf("%s/branches/%s/dates/%s/times;servicePublicId=%s;customSlotLength=%d",
		c.baseURL, url.PathEscape(branchID), day, url.PathEscape(serviceID), length)

	var entries []timeEntry
	if err := c.getJSON(ctx, sess, "times", u, &entries); err != nil {
		return nil, err
	}
	out := make([]reservation.Slot, 0, len(entries))
	for _, e := range entries {
		if e.Time == "" {
			continue
		}
		out = append(out, reservation.Slot{ID: day + "T" + e.Time, Date: reservation.Day(date), Time: e.Time})
	}
	return out, nil
}

type peopleService struct {
	PublicID string `json:"publicId"`
	QPID     string `json:"qpId"`
	Adult    int    `json:"adult"`
	Name     string `json:"name"`
	Child    int    `json:"child"`
}

type customer struct {
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	DateOfBirth    string `json:"dateOfBirth"`
	ExternalID     string `json:"externalId"`
	AddressLine1   string `json:"addressLine1"`
	AddressLine2   string `json:"addressLine2"`
	AddressCity    string `json:"addressCity"`
	AddressZip     string `json:"addressZip"`
	AddressState   string `json:"addressState"`
	AddressCountry string `json:"addressCountry"`
	Custom         string `json:"custom"`
}

// Reserve holds the slot, registers the customer and confirms the
// appointment. Only a confirmed appointment is a success.
func (c *Client) Reserve(ctx context.Context, sess session.Session, req reservation.ReserveRequest) (reservation.Confirmation, error) {
	length, err := c.SlotLength(ctx, sess, req.BranchID, req.ServiceID, req.Adults)
	if err != nil {
		return reservation.Confirmation{}, err
	}
	email := req.Email
	if email == "" {
		email = c.email
	}
	people := []peopleService{{PublicID: req.ServiceID, QPID: req.QPID, Adult: max(req.Adults, 1), Name: req.ServiceName}}
	peopleJSON, err := json.Marshal(map[string]any{"peopleServices": people})
	if err != nil {
		return reservation.Confirmation{}, err
	}

	holdURL := fmt.Sprintf("%s/branches/%s/dates/%s/times/%s/reserve;customSlotLength=%d",
		c.baseURL, url.PathEscape(req.BranchID), reservation.FormatDate(req.Slot.Date), url.PathEscape(req.Slot.Time), length)
	hold := map[string]any{
		"services": []map[string]string{{"publicId": req.ServiceID}},
		"custom":   string(peopleJSON),
	}
	var held struct {
		PublicID string `json:"publicId"`
		Value    struct {
			PublicID string `json:"publicId"`
		} `json:"value"`
	}
	if err := c.postJSON(ctx, sess, "reserve", holdURL, hold, &held); err != nil {
		return reservation.Confirmation{}, err
	}
	appointmentID := held.PublicID
	if appointmentID == "" {
		appointmentID = held.Value.PublicID
	}
	if appointmentID == "" {
		return reservation.Confirmation{}, fmt.Errorf("reserve %s: %w", req.Slot.Time, reservation.ErrReservationConflict)
	}

	// from here on the slot is held under appointmentID
	cust := customer{Email: email, Phone: req.Contact, Custom: "{}"}
	if err := c.postJSON(ctx, sess, "matchCustomer", c.baseURL+"/matchCustomer", cust, nil); err != nil {
		return reservation.Confirmation{}, unconfirmed(appointmentID, "matchCustomer", err)
	}

	confirmCustom, err := json.Marshal(map[string]any{
		"peopleServices":   people,
		"totalCost":        0,
		"createdByUser":    "Qmatic Web Booking",
		"paymentRef":       "",
		"customSlotLength": length,
	})
	if err != nil {
		return reservation.Confirmation{}, unconfirmed(appointmentID, "confirm", err)
	}
	confirm := map[string]any{
		"customer":         cust,
		"languageCode":     "pl",
		"countryCode":      "pl",
		"captcha":          "",
		"custom":           string(confirmCustom),
		"notes":            "",
		"title":            "Qmatic Web Booking",
		"notificationType": "both",
	}
	status, err := c.post(ctx, sess, "confirm", c.baseURL+"/appointments/"+url.PathEscape(appointmentID)+"/confirm", confirm, nil)
	if err != nil {
		return reservation.Confirmation{}, unconfirmed(appointmentID, "confirm", err)
	}
	if status != http.StatusOK {
		return reservation.Confirmation{}, unconfirmed(appointmentID, "confirm",
			&reservation.UpstreamError{Op: "confirm", StatusCode: status, Err: errors.New("unexpected status")})
	}

	return reservation.Confirmation{AppointmentID: appointmentID, SlotLength: length}, nil
}

func unconfirmed(appointmentID, step string, err error) error {
	return &reservation.UnconfirmedError{AppointmentID: appointmentID, Step: step, Err: err}
}

func (c *Client) getJSON(ctx context.Context, sess session.Session, op, rawURL string, out any) error {
	_, body, err := c.do(ctx, sess, op, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &reservation.UpstreamError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, sess session.Session, op, rawURL string, in, out any) error {
	_, err := c.post(ctx, sess, op, rawURL, in, out)
	return err
}

func (c *Client) post(ctx context.Context, sess session.Session, op, rawURL string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	status, body, err := c.do(ctx, sess, op, http.MethodPost, rawURL, b)
	if err != nil {
		return status, err
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return status, &reservation.UpstreamError{Op: op, StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
		}
	}
	return status, nil
}

// do performs one request and maps failures onto the reservation error
// taxonomy. A cancelled parent context is returned unwrapped.
func (c *Client) do(ctx context.Context, sess session.Session, op, method, rawURL string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	sess.Apply(req)

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		// connection failures and per-call timeouts
		return 0, nil, &reservation.UpstreamError{Op: op, Transient: true, Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, nil, &reservation.UpstreamError{Op: op, StatusCode: res.StatusCode, Transient: true, Err: err}
	}
	if err := classify(op, res.StatusCode, b); err != nil {
		return res.StatusCode, b, err
	}
	return res.StatusCode, b, nil
}

// bookingOps are the calls that act on a single slot; a missing or taken
// slot there is a conflict. On listing calls the same statuses are plain
// upstream failures.
var bookingOps = map[string]bool{"reserve": true, "matchCustomer": true, "confirm": true}

// classify maps an HTTP status onto the error taxonomy.
func classify(op string, status int, body []byte) error {
	if status < 400 {
		return nil
	}
	detail := upstreamMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &reservation.UpstreamError{Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s", reservation.ErrSessionExpired, detail)}
	case bookingOps[op] && (status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusGone):
		return &reservation.UpstreamError{Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s", reservation.ErrReservationConflict, detail)}
	case status == http.StatusUnprocessableEntity:
		return &reservation.UpstreamError{Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s", reservation.ErrQuotaExceeded, detail)}
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status == http.StatusTooManyRequests || status >= 500:
		return &reservation.UpstreamError{Op: op, StatusCode: status, Transient: true, Err: errors.New(detail)}
	default:
		return &reservation.UpstreamError{Op: op, StatusCode: status, Err: errors.New(detail)}
	}
}

func upstreamMessage(body []byte) string {
	var r struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	_ = json.Unmarshal(body, &r)
	switch {
	case r.Message != "":
		return r.Message
	case r.Msg != "":
		return r.Msg
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func parseUpstreamDate(s string) (time.Time, error) {
	if len(s) > len(reservation.DateLayout) {
		s = s[:len(reservation.DateLayout)]
	}
	return reservation.ParseDate(s)
}
