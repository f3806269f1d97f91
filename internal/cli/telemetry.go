package cli

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martlane/storefront/internal/infra/observability"
)

// metricPrefix selects the client's own series from the gatherer.
const metricPrefix = "storefront_"

// logTelemetry writes the spans recorded during this invocation and every
// non-zero client counter to log at debug level. It does nothing unless
// debug logging is on (--verbose).
func logTelemetry(log *zap.Logger, tracer *observability.Tracer, g prometheus.Gatherer) {
	if log == nil || !log.Core().Enabled(zapcore.DebugLevel) {
		return
	}

	if tracer != nil {
		for _, sp := range tracer.Spans(0) {
			fields := []zap.Field{
				zap.String("operation", sp.Operation),
				zap.String("trace_id", sp.TraceID),
				zap.Duration("took", sp.Duration),
				zap.Bool("ok", sp.Status == observability.SpanOK),
			}
			for k, v := range sp.Attrs {
				fields = append(fields, zap.String(k, v))
			}
			log.Debug("span", fields...)
		}
	}

	if g == nil {
		return
	}
	families, err := g.Gather()
	if err != nil {
		log.Debug("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), metricPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil || c.GetValue() == 0 {
				continue
			}
			fields := []zap.Field{zap.String("name", mf.GetName()), zap.Float64("value", c.GetValue())}
			for _, lp := range m.GetLabel() {
				fields = append(fields, zap.String(lp.GetName(), lp.GetValue()))
			}
			log.Debug("counter", fields...)
		}
	}
}
