package upload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/servicelog"
)

var (
	webhookDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_delivered_total",
		Help: "Webhook notifications accepted by the consumer",
	})

	webhookFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_failed_total",
		Help: "Webhook notifications that could not be delivered",
	})
)

const webhookTimeout = 30 * time.Second

// Notification is the payload delivered after a completed upload.
// Field names follow the consumer's form contract.
type Notification struct {
	Arquivo  string
	URL      string
	DataHora string
}

// WebhookNotifier posts completed uploads to an external consumer.
// Delivery is strictly best effort: failures are logged and never
// reach the journal. The task channel is unbuffered so a slow consumer
// applies backpressure to Notify, not to the upload worker's journal
// state.
type WebhookNotifier struct {
	logger servicelog.Logger
	url    string
	client *http.Client
	tasks  chan Notification
}

func NewWebhookNotifier(logger servicelog.Logger, url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &WebhookNotifier{
		logger: logger,
		url:    url,
		client: client,
		tasks:  make(chan Notification),
	}
}

// Notify implements Notifier. It hands the notification to the
// delivery goroutine, dropping it if the context ends first.
func (n *WebhookNotifier) Notify(ctx context.Context, task Notification) {
	select {
	case n.tasks <- task:
	case <-ctx.Done():
		n.logger.Warn("webhook notification dropped on shutdown",
			servicelog.String("arquivo", task.Arquivo))
	}
}

// Run delivers queued notifications until the context is cancelled.
func (n *WebhookNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-n.tasks:
			n.send(ctx, task)
		}
	}
}

func (n *WebhookNotifier) send(ctx context.Context, task Notification) {
	logger := n.logger.With(servicelog.String("arquivo", task.Arquivo))
	form := url.Values{
		"arquivo":   {task.Arquivo},
		"url":       {task.URL},
		"data_hora": {task.DataHora},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url,
		strings.NewReader(form.Encode()))
	if err != nil {
		webhookFailed.Inc()
		logger.Warn("webhook request build failed", servicelog.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := n.client.Do(req)
	if err != nil {
		webhookFailed.Inc()
		logger.Warn("webhook delivery failed", servicelog.Error(err))
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		webhookFailed.Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.Warn("webhook rejected",
			servicelog.Int("status", resp.StatusCode),
			servicelog.String("body", strings.TrimSpace(string(body))))
		return
	}
	webhookDelivered.Inc()
	var reply map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply); err == nil {
		logger.Info("webhook accepted", servicelog.Any("reply", reply))
	} else {
		logger.Info("webhook accepted")
	}
}
