package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "taskmaster/api"
	tasksSpanName    = "tasks.read"
	tasksEventName   = "tasks.request"
	tasksEventDomain = "taskmaster.api"
	observabilityMsg = "observability.event"
	attrPrefix       = "taskmaster.tasks."
)

var (
	taskMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_task_mutations_total",
			Help: "Task mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	authFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmaster_auth_failures_total",
			Help: "Requests rejected because of a missing or invalid token",
		},
	)
)

func recordMutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	taskMutations.WithLabelValues(op, result).Inc()
}

// taskRequestMetrics collects timings of one read request and reports them
// as a span plus a structured log entry.
type taskRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	start          time.Time
	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	filtered       bool
	tasksTotal     int
	tasksReturned  int
	errorStage     string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &taskRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *taskRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *taskRequestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *taskRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *taskRequestMetrics) SetFiltered(filtered bool) { m.filtered = filtered }

func (m *taskRequestMetrics) SetTasks(total, returned int) {
	if total < 0 {
		total = 0
	}
	if returned < 0 {
		returned = 0
	}
	m.tasksTotal = total
	m.tasksReturned = returned
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":                  m.route,
		"http.status_code":            status,
		attrPrefix + "total_ms":       durationToMillis(time.Since(m.start)),
		attrPrefix + "filtered":       m.filtered,
		attrPrefix + "tasks_total":    m.tasksTotal,
		attrPrefix + "tasks_returned": m.tasksReturned,
	}
	if m.authDuration > 0 {
		attrs[attrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs[attrPrefix+"fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs[attrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
	}

	if m.span != nil {
		spanAttrs := toAttributes(attrs)
		m.span.SetAttributes(spanAttrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, spanAttrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
			m.span.RecordError(err)
		}
		m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityMsg)
	case "WARN":
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
