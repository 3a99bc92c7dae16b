package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalcanvas/runtime"
)

// MetricsHandler records engine events as OpenTelemetry metrics.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeInputs     metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("petalcanvas.node.executions",
		metric.WithDescription("Number of successful node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("petalcanvas.node.failures",
		metric.WithDescription("Number of failed node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeIn, err := meter.Int64Counter("petalcanvas.node.inputs",
		metric.WithDescription("Number of upstream values resolved for node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("petalcanvas.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("petalcanvas.run.duration",
		metric.WithDescription("Duration of a triggered run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeInputs:     nodeIn,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle records the metrics for one event. It has runtime.EventHandler
// semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	nodeType := metric.WithAttributes(attribute.String("node_type", string(e.NodeType)))

	switch e.Kind {
	case runtime.EventNodeInput:
		h.nodeInputs.Add(ctx, 1, nodeType)
	case runtime.EventNodeFinished:
		h.nodeExecutions.Add(ctx, 1, nodeType)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), nodeType)
	case runtime.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, nodeType)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), nodeType)
	case runtime.EventRunFinished:
		status := payloadString(e, "status", "unknown")
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("node_type", string(e.NodeType)),
			attribute.String("status", status),
		))
	}
}
