package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricOpts holds options for creating metrics
type MetricOpts struct {
	Name        string
	Description string
	Unit        string
}

// Counter wraps an OTel counter for easier use
type Counter struct {
	counter metric.Int64Counter
}

// NewCounter creates a new counter metric
func NewCounter(opts MetricOpts) (*Counter, error) {
	counter, err := GetMeter().Int64Counter(
		opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, err
	}
	return &Counter{counter: counter}, nil
}

// Add increments the counter by the given value
func (c *Counter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// Inc increments the counter by 1
func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, attrs...)
}

// Histogram wraps an OTel histogram for easier use
type Histogram struct {
	histogram metric.Float64Histogram
}

// NewHistogram creates a new histogram metric
func NewHistogram(opts MetricOpts) (*Histogram, error) {
	histogram, err := GetMeter().Float64Histogram(
		opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, err
	}
	return &Histogram{histogram: histogram}, nil
}

// Record records a value in the histogram
func (h *Histogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// UpDownCounter wraps an OTel up-down counter for values that can increase and decrease
type UpDownCounter struct {
	counter metric.Int64UpDownCounter
}

// NewUpDownCounter creates a new up-down counter metric
func NewUpDownCounter(opts MetricOpts) (*UpDownCounter, error) {
	counter, err := GetMeter().Int64UpDownCounter(
		opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, err
	}
	return &UpDownCounter{counter: counter}, nil
}

// Add adds the given value to the counter (can be negative)
func (c *UpDownCounter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// Common metric attribute keys
const (
	AttrErrorType    = "error.type"
	AttrAccountID    = "account.id"
	AttrResourceKind = "resource.kind"
	AttrPlan         = "plan"
	AttrTable        = "table"
	AttrDecision     = "decision"
	AttrOutcome      = "outcome"
	AttrOperation    = "operation"
)

func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}

func AccountIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrAccountID, id)
}

func ResourceKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrResourceKind, kind)
}

func PlanAttr(plan string) attribute.KeyValue {
	return attribute.String(AttrPlan, plan)
}

func TableAttr(table string) attribute.KeyValue {
	return attribute.String(AttrTable, table)
}

func DecisionAttr(allowed bool) attribute.KeyValue {
	if allowed {
		return attribute.String(AttrDecision, "allow")
	}
	return attribute.String(AttrDecision, "deny")
}

func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}

func OperationAttr(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}
