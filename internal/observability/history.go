package observability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/o19s/search-relevance/internal/metrics"
)

// RunPoint is one run's aggregate value for a single metric.
type RunPoint struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// RunHistory persists run-level aggregate metrics to Redis sorted sets,
// one set per metric name, scored by run time. It powers trend views over
// recent runs without a trip to the search backend.
type RunHistory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRunHistory connects to Redis and returns a run history store.
func NewRunHistory(url string) (*RunHistory, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RunHistory{
		client: client,
		prefix: "srw:history:",
		ttl:    7 * 24 * time.Hour,
	}, nil
}

// RecordRun saves the aggregate metrics of one run. Points older than the
// retention window are trimmed in the same pipeline.
func (h *RunHistory) RecordRun(ctx context.Context, runID string, at time.Time, aggregates []metrics.Metric) error {
	if len(aggregates) == 0 {
		return nil
	}

	minScore := strconv.FormatInt(time.Now().Add(-h.ttl).Unix(), 10)

	pipe := h.client.Pipeline()
	for _, m := range aggregates {
		key := h.prefix + m.Name
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.Unix()),
			Member: formatPoint(runID, m.Value),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", minScore)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording run history: %w", err)
	}
	return nil
}

// Load returns the history of one metric since the given time, oldest
// first.
func (h *RunHistory) Load(ctx context.Context, metric string, since time.Time) ([]RunPoint, error) {
	results, err := h.client.ZRangeByScoreWithScores(ctx, h.prefix+metric, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading run history: %w", err)
	}

	points := make([]RunPoint, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		runID, value, err := parsePoint(member)
		if err != nil {
			continue
		}
		points = append(points, RunPoint{
			RunID:     runID,
			Timestamp: time.Unix(int64(z.Score), 0),
			Value:     value,
		})
	}
	return points, nil
}

// Close releases the Redis connection.
func (h *RunHistory) Close() error {
	return h.client.Close()
}

// formatPoint encodes a run id and value as one sorted set member. The run
// id keeps members unique when two runs share a value.
func formatPoint(runID string, value float64) string {
	return runID + "|" + strconv.FormatFloat(value, 'f', -1, 64)
}

// parsePoint decodes a sorted set member written by formatPoint.
func parsePoint(member string) (string, float64, error) {
	i := strings.LastIndex(member, "|")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed history member: %q", member)
	}
	value, err := strconv.ParseFloat(member[i+1:], 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed history value: %q", member)
	}
	return member[:i], value, nil
}
