package approvald

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"quorumpay/native/approval"
	"quorumpay/observability"
	"quorumpay/observability/logging"
)

// ApprovalLinks builds the links embedded in approval e-mails.
func ApprovalLinks(publicURL string) approval.LinkBuilder {
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	return func(orderID, signer string) string {
		values := url.Values{}
		values.Set("order", orderID)
		values.Set("signer", signer)
		return base + "/v1/approve?" + values.Encode()
	}
}

var approvalMail = template.Must(template.New("approval").Funcs(template.FuncMap{
	"utc": func(t time.Time) string { return t.UTC().Format(time.RFC1123) },
}).Parse(`<html><body>
<p>A payment requires your approval.</p>
{{- if .Memo}}
<p><strong>{{.Memo}}</strong></p>
{{- end}}
<p>Amount: {{.Amount}}</p>
<p>Signers:</p>
<ul>
{{- range .Signers}}
<li>{{.}}</li>
{{- end}}
</ul>
<p>The approval window closes at {{utc .Deadline}}. Without every approval the payment is cancelled.</p>
<p><a href="{{.ApprovalLink}}">Approve payment</a></p>
</body></html>
`))

// RenderApprovalMail renders the HTML body sent to a signer.
func RenderApprovalMail(n approval.Notification) (string, error) {
	var buf bytes.Buffer
	if err := approvalMail.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("render approval mail: %w", err)
	}
	return buf.String(), nil
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// MailNotifier queues approval requests and delivers them to an HTTP mail
// relay through a fixed pool of workers. Deliveries are throttled and never
// retried; a full queue drops the oldest request.
type MailNotifier struct {
	endpoint string
	apiKey   string
	from     string
	subject  string
	workers  int
	http     *http.Client
	limiter  *rate.Limiter
	queue    *notificationQueue
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

var _ approval.Notifier = (*MailNotifier)(nil)

// NewMailNotifier builds a notifier from cfg. Call Start to begin delivery.
func NewMailNotifier(cfg NotifyConfig, logger *slog.Logger) (*MailNotifier, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("notify endpoint required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("notify from address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &MailNotifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		subject:  cfg.Subject,
		workers:  workers,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		queue:   newNotificationQueue(cfg.QueueCapacity),
		logger:  logger.With("component", "notifier"),
	}, nil
}

// Notify queues n for delivery without blocking.
func (m *MailNotifier) Notify(_ context.Context, n approval.Notification) {
	m.queue.enqueue(n)
}

// Pending reports the number of queued notifications.
func (m *MailNotifier) Pending() int {
	return m.queue.len()
}

// Start launches the delivery workers. It is a no-op when already running.
func (m *MailNotifier) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(ctx)
		}()
	}
}

// Stop halts the workers and waits for in-flight deliveries.
func (m *MailNotifier) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *MailNotifier) run(ctx context.Context) {
	for {
		n, ok := m.queue.dequeue(ctx)
		if !ok {
			return
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		if err := m.deliver(ctx, n); err != nil {
			observability.Approvals().RecordNotification("failed")
			m.logger.Warn("approval notification failed",
				"order", n.OrderID,
				"signer", logging.MaskEmail(n.Signer),
				"error", err)
			continue
		}
		observability.Approvals().RecordNotification("sent")
		m.logger.Debug("approval notification sent", "order", n.OrderID, "signer", logging.MaskEmail(n.Signer))
	}
}

func (m *MailNotifier) deliver(ctx context.Context, n approval.Notification) error {
	html, err := RenderApprovalMail(n)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(mailRequest{From: m.from, To: n.Signer, Subject: m.subject, HTML: html})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogNotifier writes approval links to the log instead of sending mail. It is
// used when no relay is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ approval.Notifier = LogNotifier{}

// NewLogNotifier returns a notifier logging through logger.
func NewLogNotifier(logger *slog.Logger) LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return LogNotifier{logger: logger.With("component", "notifier")}
}

func (l LogNotifier) Notify(ctx context.Context, n approval.Notification) {
	observability.Approvals().RecordNotification("logged")
	l.logger.InfoContext(ctx, "approval requested",
		"order", n.OrderID,
		"signer", logging.MaskEmail(n.Signer),
		"deadline", n.Deadline.UTC().Format(time.RFC3339))
	l.logger.DebugContext(ctx, "approval link", "order", n.OrderID, "link", n.ApprovalLink)
}
