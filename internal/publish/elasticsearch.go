package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticsearchPublisher indexes events with the bulk API into one index
// per collection and rotation period, e.g. killfeed-kills-2023.05.20.
// Documents are keyed by source and event id so a resent batch overwrites
// instead of duplicating.
type ElasticsearchPublisher struct {
	client   *elasticsearch.Client
	prefix   string
	rotation string
	now      func() time.Time
	closed   atomic.Bool
}

// document is the indexed form of an event.
type document struct {
	types.Envelope
	Timestamp time.Time `json:"@timestamp"`
}

// NewElasticsearch creates a client. It does not contact the cluster; use
// Ping for that.
func NewElasticsearch(cfg config.ElasticsearchConfig) (*ElasticsearchPublisher, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  cfg.Addresses,
		CloudID:    cfg.CloudID,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "killfeed"
	}
	return &ElasticsearchPublisher{
		client:   client,
		prefix:   prefix,
		rotation: cfg.IndexRotation,
		now:      time.Now,
	}, nil
}

// Ping checks that the cluster answers.
func (e *ElasticsearchPublisher) Ping(ctx context.Context) error {
	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}
	return nil
}

type bulkItem struct {
	Status int `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Publish indexes the batch in one bulk request.
func (e *ElasticsearchPublisher) Publish(ctx context.Context, events []types.Event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	body, err := e.bulkBody(events)
	if err != nil {
		return reliability.Permanent(err)
	}

	res, err := e.client.Bulk(bytes.NewReader(body), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("bulk request returned error: %s", res.Status())
		if retryableStatus(res.StatusCode) {
			return err
		}
		return reliability.Permanent(err)
	}

	var resp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !resp.Errors {
		return nil
	}

	var failed, retryable int
	var reason string
	for _, item := range resp.Items {
		for _, doc := range item {
			if doc.Status < 300 {
				continue
			}
			failed++
			if retryableStatus(doc.Status) {
				retryable++
			}
			if doc.Error != nil && reason == "" {
				reason = doc.Error.Type + ": " + doc.Error.Reason
			}
		}
	}
	if failed == 0 {
		return nil
	}

	err = fmt.Errorf("%d out of %d events failed to index: %s", failed, len(events), reason)
	if retryable == 0 {
		return reliability.Permanent(err)
	}
	return err
}

// bulkBody renders the NDJSON action and document lines.
func (e *ElasticsearchPublisher) bulkBody(events []types.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, ev := range events {
		env, err := types.Wrap(ev)
		if err != nil {
			return nil, err
		}

		ts := ev.Time()
		if ts.IsZero() {
			ts = e.now()
		}

		action := map[string]map[string]string{
			"index": {
				"_index": indexName(e.prefix, env.Collection, ts, e.rotation),
				"_id":    fmt.Sprintf("%s-%d", env.SourceID, ev.Metadata().ID),
			},
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(document{Envelope: env, Timestamp: ts.UTC()}); err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// indexName returns <prefix>-<collection>[-<period>] for an event time.
func indexName(prefix string, c types.Collection, ts time.Time, rotation string) string {
	base := fmt.Sprintf("%s-%s", prefix, c)
	ts = ts.UTC()

	switch rotation {
	case "none":
		return base
	case "weekly":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%s-%d.%02d", base, year, week)
	case "monthly":
		return base + "-" + ts.Format("2006.01")
	case "yearly":
		return base + "-" + ts.Format("2006")
	default:
		return base + "-" + ts.Format("2006.01.02")
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Close marks the publisher closed. The client holds no connections that
// need releasing.
func (e *ElasticsearchPublisher) Close() error {
	e.closed.Store(true)
	return nil
}

// Name returns the sink name.
func (e *ElasticsearchPublisher) Name() string {
	return "elasticsearch"
}
