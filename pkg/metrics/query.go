package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// BranchMetrics represents aggregated train metrics for one branch.
type BranchMetrics struct {
	Branch        string  `json:"branch"`
	CarsCreated   int64   `json:"cars_created"`
	CarsDiscarded int64   `json:"cars_discarded"`
	Refreshes     int64   `json:"refreshes"`
	TrainLength   int64   `json:"train_length"`
	AvgRefreshSec float64 `json:"avg_refresh_seconds"`
}

// QueryService provides methods to query merge-train metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query %q: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetBranchMetrics retrieves aggregated train metrics for a specific branch.
func (q *QueryService) GetBranchMetrics(ctx context.Context, branch string) (*BranchMetrics, error) {
	metrics := &BranchMetrics{Branch: branch}

	refreshes, err := q.scalar(ctx, fmt.Sprintf(`sum(mergebot_train_refreshes_total{branch=%q})`, branch))
	if err != nil {
		return nil, err
	}
	metrics.Refreshes = int64(refreshes)

	length, err := q.scalar(ctx, fmt.Sprintf(`mergebot_train_length{branch=%q}`, branch))
	if err != nil {
		return nil, err
	}
	metrics.TrainLength = int64(length)

	avg, err := q.scalar(ctx, fmt.Sprintf(
		`sum(mergebot_refresh_duration_seconds_sum{branch=%q}) / sum(mergebot_refresh_duration_seconds_count{branch=%q})`,
		branch, branch))
	if err != nil {
		return nil, err
	}
	metrics.AvgRefreshSec = avg

	created, err := q.scalar(ctx, `sum(mergebot_cars_created_total)`)
	if err != nil {
		return nil, err
	}
	metrics.CarsCreated = int64(created)

	discarded, err := q.scalar(ctx, `sum(mergebot_cars_discarded_total)`)
	if err != nil {
		return nil, err
	}
	metrics.CarsDiscarded = int64(discarded)

	return metrics, nil
}

// GetQueueMetrics retrieves created/discarded car counts broken down by
// queue name.
func (q *QueryService) GetQueueMetrics(ctx context.Context) (map[string]*BranchMetrics, error) {
	result := make(map[string]*BranchMetrics)

	queuesResult, _, err := q.queryAPI.Query(ctx, `group by (queue) (mergebot_cars_created_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query queues: %w", err)
	}

	var queues []string
	if vector, ok := queuesResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["queue"]; ok {
				queues = append(queues, string(name))
			}
		}
	}

	for _, queueName := range queues {
		qm := &BranchMetrics{}

		created, err := q.scalar(ctx, fmt.Sprintf(`sum(mergebot_cars_created_total{queue=%q})`, queueName))
		if err != nil {
			return nil, fmt.Errorf("failed to query created cars for queue %s: %w", queueName, err)
		}
		qm.CarsCreated = int64(created)

		discarded, err := q.scalar(ctx, fmt.Sprintf(`sum(mergebot_cars_discarded_total{queue=%q})`, queueName))
		if err != nil {
			return nil, fmt.Errorf("failed to query discarded cars for queue %s: %w", queueName, err)
		}
		qm.CarsDiscarded = int64(discarded)

		result[queueName] = qm
	}

	return result, nil
}
