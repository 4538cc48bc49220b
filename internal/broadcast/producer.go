// Package broadcast posts committed change batches to the fan-out service.
// Delivery is fire-and-forget: a save never fails or blocks on broadcast.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/model"
)

// HeaderSenderUserID carries the writer's user id so the fan-out can skip
// delivering their own changes back to them.
const HeaderSenderUserID = "X-Sender-User-Id"

// DefaultTimeout bounds one broadcast POST.
const DefaultTimeout = 500 * time.Millisecond

// Batch is the wire shape of one change batch.
type Batch struct {
	Type  string         `json:"type"`
	Items []model.Record `json:"items"`
}

// Producer POSTs change batches to the fan-out's /broadcast endpoint.
type Producer struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Options configures a Producer.
type Options struct {
	// URL is the fan-out broadcast endpoint, e.g. http://localhost:8091/broadcast.
	URL     string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// New creates a Producer. A zero timeout uses DefaultTimeout; timeouts above
// it are clamped so a slow fan-out cannot stall writers.
func New(logger *slog.Logger, opts Options) *Producer {
	timeout := opts.Timeout
	if timeout <= 0 || timeout > DefaultTimeout {
		timeout = DefaultTimeout
	}
	return &Producer{
		url:     opts.URL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Publish sends one batch in the background. Errors are logged and swallowed.
func (p *Producer) Publish(items []model.Record, senderUserID string) {
	if p.url == "" || len(items) == 0 {
		return
	}
	go func() {
		start := time.Now()
		err := p.post(items, senderUserID)
		if p.metrics != nil {
			p.metrics.RecordBroadcast(time.Since(start), err)
		}
		if err != nil {
			p.logger.Warn("broadcast failed",
				slog.Int("items", len(items)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (p *Producer) post(items []model.Record, senderUserID string) error {
	body, err := json.Marshal(Batch{Type: "changes", Items: items})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if senderUserID != "" {
		req.Header.Set(HeaderSenderUserID, senderUserID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fan-out returned %d", resp.StatusCode)
	}
	return nil
}
