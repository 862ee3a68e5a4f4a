package app

import (
	"io"
	"log/slog"

	"github.com/felixgeelhaar/staysync/pkg/config"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// NewLogger builds the process logger from configuration. Production
// defaults to JSON; an explicit LOG_FORMAT wins.
func NewLogger(cfg *config.Config, out io.Writer, service, version string) *slog.Logger {
	logCfg := observability.DefaultLogConfig()
	if cfg.IsProduction() {
		logCfg = observability.ProductionLogConfig()
	}
	logCfg.Output = out
	logCfg.ServiceName = service
	logCfg.ServiceVersion = version
	logCfg.File = cfg.LogFile
	if cfg.LogLevel != "" {
		logCfg.Level = observability.LogLevel(cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		logCfg.Format = observability.LogFormat(cfg.LogFormat)
	}
	return observability.NewLogger(logCfg)
}
