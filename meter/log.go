package meter

import (
	"log/slog"

	"github.com/nivaro/creditgate"
)

// LogMeter logs pipeline events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRequest(e creditgate.RequestEvent) {
	if e.Success {
		m.Logger.Info("request",
			"user", e.UserID,
			"type", e.RequestType,
			"messages", e.Messages,
			"replayed", e.Replayed,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("request_error",
			"user", e.UserID,
			"type", e.RequestType,
			"messages", e.Messages,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnProviderCall(e creditgate.ProviderCallEvent) {
	if e.Success {
		m.Logger.Info("provider_call",
			"provider", e.Provider,
			"model", e.Model,
			"attempts", e.Attempts,
			"status", e.Status,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("provider_call_error",
			"provider", e.Provider,
			"model", e.Model,
			"attempts", e.Attempts,
			"status", e.Status,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnCharge(e creditgate.ChargeEvent) {
	m.Logger.Info("charge",
		"user", e.UserID,
		"delta", e.Delta,
		"balance_after", e.BalanceAfter,
		"reason", e.Reason,
	)
}
