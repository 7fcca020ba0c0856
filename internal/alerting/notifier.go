package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification carries the context of one asset alert.
type Notification struct {
	Bucket         time.Time
	AssetID        string
	ComponentRef   string
	Category       string
	Subcategory    string
	Severity       float64
	CompositeScore float64
	Threshold      float64
	Trend          string
	USDPerDay      decimal.Decimal
	FindingIDs     []string
	Channels       []string
	AdditionalMsg  string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Time("bucket", note.Bucket).
		Str("asset_id", note.AssetID).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a notifier for the "log" channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.Warn().Time("bucket", note.Bucket).
		Str("asset_id", note.AssetID).
		Str("component_ref", note.ComponentRef).
		Str("category", note.Category).
		Str("subcategory", note.Subcategory).
		Float64("composite", note.CompositeScore).
		Str("trend", note.Trend).
		Str("usd_per_day", note.USDPerDay.StringFixed(2)).
		Msg("asset alert")
	return nil
}

// Fanout delivers each alert to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var failed []string
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}

// RenderMessage formats the alert as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Asset Alert]\n")
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Asset: %s\n", note.AssetID))
	if note.ComponentRef != "" {
		builder.WriteString(fmt.Sprintf("Component: %s\n", note.ComponentRef))
	}
	builder.WriteString(fmt.Sprintf("Diagnosis: %s / %s (severity %.2f)\n", note.Category, note.Subcategory, note.Severity))
	builder.WriteString(fmt.Sprintf("Composite: %.3f (threshold %.3f)\n", note.CompositeScore, note.Threshold))
	builder.WriteString(fmt.Sprintf("Trend: %s\n", note.Trend))
	builder.WriteString(fmt.Sprintf("Energy at risk: %s USD/day\n", note.USDPerDay.StringFixed(2)))
	if len(note.FindingIDs) > 0 {
		builder.WriteString(fmt.Sprintf("Findings: %s\n", strings.Join(note.FindingIDs, ",")))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Fanout(nil)
)
