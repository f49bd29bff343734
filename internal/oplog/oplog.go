package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"go.uber.org/zap"
)

// ZapLogger forwards booking operation logs to zap.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger; a nil logger falls back to zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("booking")}
}

func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.Reference.IsZero() {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Event != "" {
		fields = append(fields, zap.String("event", entry.Event.String()))
	}
	if entry.FromState != "" {
		fields = append(fields, zap.String("from_state", entry.FromState.String()))
	}
	if entry.ToState != "" {
		fields = append(fields, zap.String("to_state", entry.ToState.String()))
	}
	if entry.Category.String() != "" {
		fields = append(fields, zap.String("resource_category", entry.Category.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_pence", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("reservation operation failed", fields...)
		return
	}
	zapLogger.logger.Info("reservation operation", fields...)
}
