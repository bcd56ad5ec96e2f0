// Package alerting posts bill run failures to an operator webhook.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds alerting configuration.
type Config struct {
	// WebhookURL is a Slack, Discord or generic JSON endpoint. Empty disables alerts.
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
	// WebhookType selects the payload format: "slack", "discord" or "generic".
	// Empty means detect from the URL.
	WebhookType string `mapstructure:"webhook_type" validate:"omitempty,oneof=slack discord generic"`
	// MinFailures is how many failed bills a run needs before an alert is sent.
	MinFailures int           `mapstructure:"min_failures" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

func (c Config) webhookType() string {
	if c.WebhookType != "" {
		return c.WebhookType
	}
	switch {
	case strings.Contains(c.WebhookURL, "slack.com"):
		return "slack"
	case strings.Contains(c.WebhookURL, "discord.com"):
		return "discord"
	}
	return "generic"
}

// Alerter sends alerts to the configured webhook.
type Alerter struct {
	cfg    Config
	client *http.Client
	log    *zap.SugaredLogger
}

func NewAlerter(cfg Config, log *zap.SugaredLogger) *Alerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinFailures <= 0 {
		cfg.MinFailures = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool { return a.cfg.WebhookURL != "" }

// BillRunAlert describes a bill run that left readings unbilled.
type BillRunAlert struct {
	JobName   string
	Month     string
	Pending   int
	Generated int
	Failed    int
	Duration  time.Duration
	Failures  []MeterFailure
	Timestamp time.Time
}

// MeterFailure is one reading the run could not bill.
type MeterFailure struct {
	MeterKind string `json:"meter_kind"`
	MeterID   string `json:"meter_id"`
	Error     string `json:"error"`
}

// maxListed caps the failures rendered into chat payloads.
const maxListed = 20

// SendBillRunAlert posts the alert unless alerts are disabled or the run
// stayed under the failure threshold.
func (a *Alerter) SendBillRunAlert(ctx context.Context, alert BillRunAlert) error {
	if !a.Enabled() {
		a.log.Debugw("alerting: alerts disabled, skipping", "job", alert.JobName)
		return nil
	}
	if alert.Failed < a.cfg.MinFailures {
		a.log.Debugw("alerting: failures below threshold, skipping",
			"failed", alert.Failed, "threshold", a.cfg.MinFailures)
		return nil
	}

	var (
		payload []byte
		err     error
	)
	switch a.cfg.webhookType() {
	case "slack":
		payload, err = slackPayload(alert)
	case "discord":
		payload, err = discordPayload(alert)
	default:
		payload, err = json.Marshal(genericPayload(alert))
	}
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	a.log.Infow("alerting: sent bill run alert", "job", alert.JobName, "month", alert.Month, "failed", alert.Failed)
	return nil
}

func failureLines(alert BillRunAlert, bold string) string {
	var b strings.Builder
	for i, f := range alert.Failures {
		if i == maxListed {
			fmt.Fprintf(&b, "... and %d more\n", len(alert.Failures)-maxListed)
			break
		}
		fmt.Fprintf(&b, "• %s%s %s%s: %s\n", bold, f.MeterKind, f.MeterID, bold, f.Error)
	}
	return b.String()
}

func slackPayload(alert BillRunAlert) ([]byte, error) {
	emoji := ":warning:"
	if alert.Failed == alert.Pending {
		emoji = ":x:"
	}
	payload := map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("%s Bill run %s for %s", emoji, alert.JobName, alert.Month),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:*\n%d/%d", alert.Failed, alert.Pending)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Billed:*\n%d", alert.Generated)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*At:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": "*Unbilled meters:*\n" + failureLines(alert, "*"),
				},
			},
		},
	}
	return json.Marshal(payload)
}

func discordPayload(alert BillRunAlert) ([]byte, error) {
	color := 16776960 // yellow
	if alert.Failed == alert.Pending {
		color = 16711680 // red
	}
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("Bill run %s for %s", alert.JobName, alert.Month),
				"description": fmt.Sprintf("%d of %d readings could not be billed", alert.Failed, alert.Pending),
				"color":       color,
				"fields": []map[string]any{
					{"name": "Billed", "value": fmt.Sprintf("%d", alert.Generated), "inline": true},
					{"name": "Failed", "value": fmt.Sprintf("%d", alert.Failed), "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
					{"name": "Unbilled meters", "value": failureLines(alert, "**"), "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}
	return json.Marshal(payload)
}

type genericAlert struct {
	AlertType  string         `json:"alert_type"`
	JobName    string         `json:"job_name"`
	Month      string         `json:"month"`
	Pending    int            `json:"pending"`
	Generated  int            `json:"generated"`
	Failed     int            `json:"failed"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  string         `json:"timestamp"`
	Failures   []MeterFailure `json:"failures"`
}

func genericPayload(alert BillRunAlert) genericAlert {
	return genericAlert{
		AlertType:  "bill_run_failure",
		JobName:    alert.JobName,
		Month:      alert.Month,
		Pending:    alert.Pending,
		Generated:  alert.Generated,
		Failed:     alert.Failed,
		DurationMs: alert.Duration.Milliseconds(),
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		Failures:   alert.Failures,
	}
}
