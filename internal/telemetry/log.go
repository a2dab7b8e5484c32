// Package telemetry wires structured logging and metrics for the sync
// engine core, shared by every long-running component (account
// supervisors, folder sync units, the webhook dispatcher, the cluster
// coordinator).
package telemetry

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the base logger for the process from a LOG_LEVEL string
// (trace, debug, info, warn, error). An unrecognized level falls back to
// info rather than failing startup.
func NewLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// ForAccount returns a child logger with account_id attached, carried
// through every log line emitted by that account's Supervisor and Units.
func ForAccount(log zerolog.Logger, accountID int64) zerolog.Logger {
	return log.With().Int64("account_id", accountID).Logger()
}

// ForFolder returns a child logger with account_id and folder attached.
func ForFolder(log zerolog.Logger, accountID int64, folderName string) zerolog.Logger {
	return log.With().Int64("account_id", accountID).Str("folder", folderName).Logger()
}

// ForWorker returns a child logger with worker_id attached.
func ForWorker(log zerolog.Logger, workerID string) zerolog.Logger {
	return log.With().Str("worker_id", workerID).Logger()
}
