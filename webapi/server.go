// Package webapi implements the HTTP submission API: one JSON request
// describing the SMTP server, credentials and message, answered after a
// complete SMTP transaction was attempted.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailgw/mailgw/message"
	"github.com/mailgw/mailgw/mlog"
	"github.com/mailgw/mailgw/smtpclient"
)

var (
	metricSubmission = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgw_webapi_submission_total",
			Help: "Submission requests and results.",
		},
		[]string{
			"result", // ok, badrequest, timeout, error
		},
	)
	metricDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgw_webapi_request_duration_seconds",
			Help:    "Submission request duration, including the SMTP transaction.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{"result"},
	)
)

// Request is one submission: where to deliver, how to authenticate, and the
// message to compose.
type Request struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`   // 0 means 587, or 465 with secure.
	Secure bool   `json:"secure"` // Implicit TLS on connect, instead of opportunistic STARTTLS.
	User   string `json:"user"`
	Pass   string `json:"pass"`
	Helo   string `json:"helo"` // Defaults to the configured helo name.

	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc"`
	Bcc         []string     `json:"bcc"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"` // Base64.
	ContentType string `json:"contentType"`
}

// Result is the response for an accepted submission.
type Result struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageID"`
}

// DKIMOpts enable signing of composed messages.
type DKIMOpts struct {
	Domain   string
	Selector string
	Key      []byte // PEM-encoded RSA private key.
}

// Dialer connects to an SMTP server, with implicit TLS when secure is set.
type Dialer func(ctx context.Context, host string, port int, secure bool) (smtpclient.Transport, error)

// Server is an http.Handler for the submission API.
type Server struct {
	log      mlog.Log
	elog     *slog.Logger
	heloName string
	dkim     *DKIMOpts
	dial     Dialer
}

// NewServer returns a Server. dial may be nil for the default TCP dialer,
// dkim may be nil to disable signing.
func NewServer(elog *slog.Logger, heloName string, dkim *DKIMOpts, dial Dialer) *Server {
	if dial == nil {
		dial = smtpclient.Dial
	}
	return &Server{mlog.New("webapi", elog), elog, heloName, dkim, dial}
}

// ServeHTTP implements http.Handler. POST /send is the only operation.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/send" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	result, status, err := s.send(r)
	metricResult := "ok"
	switch {
	case err == nil:
	case status == http.StatusBadRequest:
		metricResult = "badrequest"
	case errors.Is(err, smtpclient.ErrTimeout):
		metricResult = "timeout"
	default:
		metricResult = "error"
	}
	metricSubmission.WithLabelValues(metricResult).Inc()
	metricDuration.WithLabelValues(metricResult).Observe(float64(time.Since(start)) / float64(time.Second))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		s.log.Infox("submission failed", err, slog.Duration("duration", time.Since(start)))
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("submission done",
		slog.String("messageid", result.MessageID),
		slog.Duration("duration", time.Since(start)))
	json.NewEncoder(w).Encode(result)
}

// send validates the request, composes the message and runs the SMTP
// transaction. Validation failures happen before any network activity.
func (s *Server) send(r *http.Request) (Result, int, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Result{}, http.StatusBadRequest, fmt.Errorf("parsing request: %v", err)
	}
	if req.Host == "" {
		return Result{}, http.StatusBadRequest, fmt.Errorf("missing host")
	}
	if req.From == "" {
		return Result{}, http.StatusBadRequest, fmt.Errorf("missing from")
	}
	if len(req.To) == 0 {
		return Result{}, http.StatusBadRequest, fmt.Errorf("missing to")
	}

	m := message.Message{
		From:    req.From,
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    req.HTML,
	}
	for _, a := range req.Attachments {
		m.Attachments = append(m.Attachments, message.Attachment{
			Filename:      a.Filename,
			ContentBase64: a.Content,
			ContentType:   a.ContentType,
		})
	}

	messageID := m.MessageID()
	doc := m.Compose(time.Now(), messageID)
	if s.dkim != nil {
		var err error
		doc, err = message.DKIMSign(doc, s.dkim.Domain, s.dkim.Selector, s.dkim.Key)
		if err != nil {
			return Result{}, http.StatusInternalServerError, err
		}
	}

	port := req.Port
	if port == 0 {
		if req.Secure {
			port = 465
		} else {
			port = 587
		}
	}
	helo := req.Helo
	if helo == "" {
		helo = s.heloName
	}

	ctx := r.Context()
	transport, err := s.dial(ctx, req.Host, port, req.Secure)
	if err != nil {
		return Result{}, http.StatusBadGateway, fmt.Errorf("connecting to %s: %v", req.Host, err)
	}

	opts := smtpclient.Opts{
		HeloName:       helo,
		Username:       req.User,
		Password:       req.Pass,
		RemoteHostname: req.Host,
	}
	if err := smtpclient.Send(ctx, s.elog, transport, opts, req.From, m.Recipients(), strings.NewReader(doc)); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, smtpclient.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		return Result{}, status, err
	}
	return Result{OK: true, MessageID: messageID}, http.StatusOK, nil
}
