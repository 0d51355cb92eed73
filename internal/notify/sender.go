// Package notify は通知プロバイダのメッセージ送信APIクライアントを提供する。
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/notifylink/internal/metrics"
	"github.com/hitoshi/notifylink/internal/model"
	"github.com/hitoshi/notifylink/internal/oauth"
)

// DefaultEndpoint はLINE Notifyの送信API。
const DefaultEndpoint = "https://notify-api.line.me/api/notify"

const maxResponseSize = 1 << 20

// Message は送信する内容。スタンプは2つのIDが両方ある場合のみ付与する。
type Message struct {
	Text             string
	StickerPackageID *int64
	StickerID        *int64
}

// FromModel は保存済みメッセージから送信内容を作る。
func FromModel(m *model.Message) Message {
	return Message{Text: m.Text, StickerPackageID: m.StickerPackageID, StickerID: m.StickerID}
}

// Sender は通知トークンを使ってメッセージを1回だけ送信する。再試行はしない。
type Sender struct {
	httpClient *http.Client
	endpoint   string
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewSender はSenderを生成する。endpointが空の場合はDefaultEndpointを使用する。
func NewSender(httpClient *http.Client, endpoint string, collector metrics.MetricsCollector, logger *slog.Logger) *Sender {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{httpClient: httpClient, endpoint: endpoint, metrics: collector, logger: logger}
}

// Send はメッセージを送信する。
// 2xx以外の応答はプロバイダの本文をそのまま保持したmodel.ProviderErrorを返す。
func (s *Sender) Send(ctx context.Context, token string, msg Message) error {
	start := time.Now()
	err := s.send(ctx, token, msg)
	s.metrics.RecordProviderCall("notify_send", oauth.Outcome(err), time.Since(start))
	return err
}

func (s *Sender) send(ctx context.Context, token string, msg Message) error {
	const op = "send"

	form := url.Values{"message": {msg.Text}}
	if msg.StickerPackageID != nil && msg.StickerID != nil {
		form.Set("stickerPackageId", strconv.FormatInt(*msg.StickerPackageID, 10))
		form.Set("stickerId", strconv.FormatInt(*msg.StickerID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w: %w", op, model.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &model.ProviderError{Operation: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	s.logger.Debug("notification sent",
		slog.Int("status", resp.StatusCode),
		slog.String("rate_limit_remaining", resp.Header.Get("X-RateLimit-Remaining")),
	)
	return nil
}
