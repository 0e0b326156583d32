package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/petrijr/orderflow/internal/logging"
)

type LoggerConfig struct {
	Level        string `json:"level"         env:"LEVEL"         envDefault:"info"`   // trace|debug|info|warn|error
	Format       string `json:"format"        env:"FORMAT"        envDefault:"pretty"` // pretty|json|text
	OTELExporter string `json:"otel_exporter" env:"OTEL_EXPORTER" envDefault:"none"`   // none|otlp-http
	OTELEndpoint string `json:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

func (lc *LoggerConfig) validate() error {
	switch strings.ToLower(lc.Format) {
	case logging.FormatPretty, logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", lc.Format)
	}
	switch strings.ToLower(lc.OTELExporter) {
	case logging.ExporterNone, logging.ExporterOTLPHTTP:
	default:
		return fmt.Errorf("unknown LOG_OTEL_EXPORTER %q", lc.OTELExporter)
	}
	return nil
}

// LoggingOptions returns the options for logging.New, writing to w.
func (c *Config) LoggingOptions(w io.Writer) logging.Options {
	return logging.Options{
		Service:  c.Service,
		Version:  c.Version,
		Level:    logging.ParseLevel(c.Logger.Level),
		Format:   c.Logger.Format,
		Writer:   w,
		Exporter: c.Logger.OTELExporter,
		Endpoint: c.Logger.OTELEndpoint,
	}
}
