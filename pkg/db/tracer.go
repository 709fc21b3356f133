package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cohortengine/pkg/metrics"
	"cohortengine/pkg/otel"
)

type queryStartKey struct{}

type queryStart struct {
	at   time.Time
	sql  string
	span trace.Span
}

// QueryTracer 为每条语句创建 span，超过阈值的记为慢查询
type QueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewQueryTracer 阈值为 0 时默认 100ms
func NewQueryTracer(logger *zap.Logger, slowThreshold time.Duration) *QueryTracer {
	if slowThreshold <= 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &QueryTracer{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := otel.DBSpan(ctx, data.SQL)
	return context.WithValue(ctx, queryStartKey{}, &queryStart{at: time.Now(), sql: data.SQL, span: span})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(*queryStart)
	if !ok {
		return
	}
	otel.EndSpan(start.span, data.Err)

	took := time.Since(start.at)
	if took <= t.slowThreshold {
		return
	}

	statement := start.sql
	if len(statement) > 200 {
		statement = statement[:200] + "..."
	}

	t.logger.Warn("slow-query",
		zap.String("sql", statement),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
	)
	metrics.IncrementSlowQuery(statement)
}
