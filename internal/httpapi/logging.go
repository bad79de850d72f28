package httpapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger reports ledger operations through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger. A nil logger discards entries.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
		zap.String("metadata", entry.Metadata.String()),
	}
	switch {
	case entry.Error != nil:
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	case entry.Status == ledger.OperationStatusNegativeBalance:
		operationLogger.logger.Warn("ledger balance negative", fields...)
	default:
		operationLogger.logger.Info("ledger operation", fields...)
	}
}
