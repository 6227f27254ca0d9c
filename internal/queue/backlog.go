package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// nsqdStats is the subset of nsqd's /stats?format=json we read.
type nsqdStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd for the depth of the task topic's channels and
// publishes it as gauges. The worker-channel depth is the queue backlog.
type BacklogMonitor struct {
	client  *http.Client
	url     string
	topic   string
	channel string
	log     *logging.Logger
}

func NewBacklogMonitor(cfg config.NSQ, log *logging.Logger) *BacklogMonitor {
	return &BacklogMonitor{
		client:  &http.Client{Timeout: 5 * time.Second},
		url:     fmt.Sprintf("http://%s/stats?format=json&topic=%s", cfg.NsqdHTTPAddr, cfg.TasksTopic),
		topic:   cfg.TasksTopic,
		channel: cfg.WorkerChannel,
		log:     log,
	}
}

// Poll reads nsqd stats once and returns the worker-channel depth.
func (b *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsq stats: %w", err)
	}

	var backlog int64
	for _, t := range stats.Topics {
		if t.TopicName != b.topic {
			continue
		}
		for _, c := range t.Channels {
			metrics.RecordChannel(t.TopicName, c.ChannelName, c.Depth, c.InFlightCount)
			if c.ChannelName == b.channel {
				backlog = c.Depth
			}
		}
	}
	metrics.QueueBacklog.Set(float64(backlog))
	return backlog, nil
}

// Run polls every interval until ctx is done.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Poll(ctx); err != nil && ctx.Err() == nil {
				b.log.Plain().WithError(err).Warn("nsq backlog poll failed")
			}
		}
	}
}
