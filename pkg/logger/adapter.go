package logger

import (
	"go.uber.org/zap"
)

// LoggerAdapter hands category loggers to components. Without a MultiLogger
// (CLI runs) every category goes to the general logger.
type LoggerAdapter struct {
	multiLogger   *MultiLogger
	generalLogger *zap.Logger
}

// NewLoggerAdapter creates a new logger adapter. multiLogger may be nil.
func NewLoggerAdapter(multiLogger *MultiLogger, general *zap.Logger) *LoggerAdapter {
	if general == nil {
		general = zap.NewNop()
	}
	return &LoggerAdapter{
		multiLogger:   multiLogger,
		generalLogger: general,
	}
}

// NewSingleLoggerAdapter creates an adapter that routes every category to one logger
func NewSingleLoggerAdapter(l *zap.Logger) *LoggerAdapter {
	return NewLoggerAdapter(nil, l)
}

// General returns the console/application logger
func (la *LoggerAdapter) General() *zap.Logger {
	return la.generalLogger
}

// Jobs returns the job lifecycle logger
func (la *LoggerAdapter) Jobs() *zap.Logger {
	if la.multiLogger != nil {
		return la.multiLogger.Jobs()
	}
	return la.generalLogger
}

// Vault returns the key vault logger
func (la *LoggerAdapter) Vault() *zap.Logger {
	if la.multiLogger != nil {
		return la.multiLogger.Vault()
	}
	return la.generalLogger
}

// Error returns the error logger
func (la *LoggerAdapter) Error() *zap.Logger {
	if la.multiLogger != nil {
		return la.multiLogger.Error()
	}
	return la.generalLogger
}

// LogError logs an error to the general log and, when available, the error log
func (la *LoggerAdapter) LogError(msg string, fields ...zap.Field) {
	la.generalLogger.Error(msg, fields...)
	if la.multiLogger != nil {
		la.multiLogger.LogAppError(msg, fields...)
	}
}

// Sync flushes all loggers
func (la *LoggerAdapter) Sync() error {
	if la.multiLogger != nil {
		la.multiLogger.Sync()
	}
	return la.generalLogger.Sync()
}

// GetMultiLogger returns the underlying multi-logger (if available)
func (la *LoggerAdapter) GetMultiLogger() *MultiLogger {
	return la.multiLogger
}
