package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name for cleaning runs.
const PushJob = "occurrence_qc"

// Push sends the current metric values to a Prometheus Pushgateway, replacing
// any previous values for the job and species grouping.
func (m *Metrics) Push(ctx context.Context, gatewayURL, species string) error {
	pusher := push.New(gatewayURL, PushJob).Grouping("species", species)
	for _, c := range m.collectors() {
		pusher = pusher.Collector(c)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
