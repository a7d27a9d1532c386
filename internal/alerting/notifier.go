package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxrates/internal/metrics"
	"fxrates/internal/rates"
)

// Alert 封装一次阈值告警的上下文。
type Alert struct {
	ID            string
	Pair          rates.Pair
	OldRate       decimal.Decimal
	NewRate       decimal.Decimal
	ChangePct     decimal.Decimal
	ThresholdPct  decimal.Decimal
	Direction     string
	Provider      string
	TriggeredAt   time.Time
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("pair", alert.Pair.String()).
		Str("direction", alert.Direction).
		Str("alert_id", alert.ID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[FX Rate Alert] %s\n", alert.Pair))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", alert.TriggeredAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Previous: %s\n", alert.OldRate.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Current: %s\n", alert.NewRate.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Change: %s%% (threshold %s%%)\n", alert.ChangePct.StringFixed(3), alert.ThresholdPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Direction: %s\n", alert.Direction))
	if alert.Provider != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", alert.Provider))
	}
	if alert.AdditionalMsg != "" {
		builder.WriteString(alert.AdditionalMsg)
	}
	return builder.String()
}

// Channel names a notifier for logs and metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Multi 将告警依次投递到所有通道；单个通道失败不影响其他通道。
type Multi struct {
	channels []Channel
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewMulti builds a fan-out notifier.
func NewMulti(channels []Channel, m *metrics.Metrics, logger zerolog.Logger) *Multi {
	return &Multi{channels: channels, metrics: m, logger: logger.With().Str("component", "alert_dispatch").Logger()}
}

// Names lists configured channel names.
func (m *Multi) Names() []string {
	names := make([]string, len(m.channels))
	for i, c := range m.channels {
		names[i] = c.Name
	}
	return names
}

// Notify delivers to every channel and joins the failures.
func (m *Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.Notifier.Notify(ctx, alert); err != nil {
			m.metrics.RecordNotifyError(c.Name)
			m.logger.Error().Err(err).Str("channel", c.Name).Str("alert_id", alert.ID).Msg("failed to dispatch alert")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
