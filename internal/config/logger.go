package config

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the root logger from the log settings. Output goes to
// stderr unless w is non-nil; stdout is reserved for the MCP transport.
func (s Settings) NewLogger(name string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := hclog.LevelFromString(s.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     w,
		JSONFormat: s.LogFormat == "json",
	})
}
