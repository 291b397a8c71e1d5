package webguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// Alert is an escalation event sent to external dispatchers when a
// request's severity crosses the configured alert tier.
type Alert struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	Method     string     `json:"method"`
	Path       string     `json:"path"`
	AttackType AttackType `json:"attackType"`
	Severity   Severity   `json:"severity"`
	RiskScore  float64    `json:"riskScore"`
	Message    string     `json:"message"`
	// RecommendBlock is set on critical alerts: the engine recommends a
	// network-level block, enforcement is the collaborator's call.
	RecommendBlock bool `json:"recommendBlock"`
}

var alertTitles = map[AttackType]string{
	AttackSQLi:             "SQL injection attempt",
	AttackXSS:              "cross-site scripting attempt",
	AttackPathTraversal:    "path traversal attempt",
	AttackCommandInjection: "command injection attempt",
	AttackBruteForce:       "brute force attack",
	AttackRateAbuse:        "rate limit abuse",
	AttackAnomaly:          "anomalous request pattern",
}

func alertMessage(a *Alert) string {
	title, ok := alertTitles[a.AttackType]
	if !ok {
		title = "security threat"
	}
	return fmt.Sprintf("%s from %s targeting %s (risk %.1f)", title, a.Source, a.Path, a.RiskScore)
}

// AlertDispatcher fans escalation events out to registered senders.
// Delivery is asynchronous with a per-send timeout so a slow channel never
// delays the admission decision; failures are logged, not propagated.
type AlertDispatcher struct {
	mu      sync.RWMutex
	senders map[string]AlertSender
	logger  *log.Logger
	timeout time.Duration
}

// NewAlertDispatcher creates a dispatcher with no senders registered.
func NewAlertDispatcher(logger *log.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		senders: make(map[string]AlertSender),
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// Register adds a sender, replacing any previous sender with the same name.
func (d *AlertDispatcher) Register(sender AlertSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[sender.Name()] = sender
}

// Dispatch fills in the alert message and sends it through every
// registered sender in the background.
func (d *AlertDispatcher) Dispatch(alert *Alert) {
	if alert == nil {
		return
	}
	if alert.Message == "" {
		alert.Message = alertMessage(alert)
	}

	d.mu.RLock()
	senders := make([]AlertSender, 0, len(d.senders))
	for _, sender := range d.senders {
		senders = append(senders, sender)
	}
	d.mu.RUnlock()

	for _, sender := range senders {
		go func(sender AlertSender) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := sender.Send(ctx, alert); err != nil {
				d.logger.Error().
					Err(err).
					Str("channel", sender.Name()).
					Str("alert", alert.ID).
					Msg("alert delivery failed")
			}
		}(sender)
	}
}

// LogAlertSender writes alerts to the structured logger.
type LogAlertSender struct {
	Logger *log.Logger
}

func (s *LogAlertSender) Name() string { return "log" }

func (s *LogAlertSender) Send(_ context.Context, alert *Alert) error {
	s.Logger.Warn().
		Str("id", alert.ID).
		Str("source", alert.Source).
		Str("attackType", string(alert.AttackType)).
		Str("severity", string(alert.Severity)).
		Float64("riskScore", alert.RiskScore).
		Bool("recommendBlock", alert.RecommendBlock).
		Msg(alert.Message)
	return nil
}

// WebhookAlertSender POSTs alerts as JSON to a configured endpoint.
type WebhookAlertSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookAlertSender creates a sender with a 10 second client timeout.
func NewWebhookAlertSender(url string) *WebhookAlertSender {
	return &WebhookAlertSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookAlertSender) Name() string { return "webhook" }

func (s *WebhookAlertSender) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
