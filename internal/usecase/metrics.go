package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	RealPersonCount  int64   `json:"real_person_count"`
	RealPersonRate   float64 `json:"real_person_rate"`
	FailedRequests   int64   `json:"failed_requests"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted records.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		RealPersonCount:  aggregation.RealPersonCount,
		FailedRequests:   aggregation.FailedCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.RealPersonRate = float64(aggregation.RealPersonCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
