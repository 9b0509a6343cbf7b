package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderUsage represents aggregated dispatch metrics for one provider,
// queried back from Prometheus for usage reporting.
type ProviderUsage struct {
	Provider   string  `json:"provider"`
	Dispatches int64   `json:"dispatches"`
	Errors     int64   `json:"errors"`
	Retries    int64   `json:"retries"`
	AvgSeconds float64 `json:"avg_duration_seconds"`
}

// QueryService provides methods to query aggregated queue metrics from Prometheus.
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

// GetProviderUsage retrieves aggregated dispatch counts and latency for a
// specific provider across all recorded activity.
func (q *QueryService) GetProviderUsage(ctx context.Context, provider string) (*ProviderUsage, error) {
	usage := &ProviderUsage{
		Provider: provider,
	}

	dispatchQuery := fmt.Sprintf(`sum(genqueue_dispatches_total{provider=%q})`, provider)
	dispatchResult, _, err := q.queryAPI.Query(ctx, dispatchQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	if vector, ok := dispatchResult.(model.Vector); ok && len(vector) > 0 {
		usage.Dispatches = int64(vector[0].Value)
	}

	errorQuery := fmt.Sprintf(`sum(genqueue_dispatches_total{provider=%q, status="error"})`, provider)
	errorResult, _, err := q.queryAPI.Query(ctx, errorQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch errors: %w", err)
	}
	if vector, ok := errorResult.(model.Vector); ok && len(vector) > 0 {
		usage.Errors = int64(vector[0].Value)
	}

	retryQuery := fmt.Sprintf(`sum(genqueue_retries_total{provider=%q})`, provider)
	retryResult, _, err := q.queryAPI.Query(ctx, retryQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	if vector, ok := retryResult.(model.Vector); ok && len(vector) > 0 {
		usage.Retries = int64(vector[0].Value)
	}

	avgQuery := fmt.Sprintf(
		`sum(genqueue_dispatch_duration_seconds_sum{provider=%q}) / sum(genqueue_dispatch_duration_seconds_count{provider=%q})`,
		provider, provider,
	)
	avgResult, _, err := q.queryAPI.Query(ctx, avgQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch latency: %w", err)
	}
	if vector, ok := avgResult.(model.Vector); ok && len(vector) > 0 {
		usage.AvgSeconds = float64(vector[0].Value)
	}

	return usage, nil
}

// GetAllProviderUsage retrieves usage for every provider seen in the metrics.
func (q *QueryService) GetAllProviderUsage(ctx context.Context) (map[string]*ProviderUsage, error) {
	providersQuery := `group by (provider) (genqueue_dispatches_total)`
	providersResult, _, err := q.queryAPI.Query(ctx, providersQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}

	var providers []string
	if vector, ok := providersResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["provider"]; ok {
				providers = append(providers, string(name))
			}
		}
	}

	result := make(map[string]*ProviderUsage, len(providers))
	for _, provider := range providers {
		usage, err := q.GetProviderUsage(ctx, provider)
		if err != nil {
			return nil, err
		}
		result[provider] = usage
	}

	return result, nil
}
