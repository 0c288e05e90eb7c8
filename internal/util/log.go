// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// logger is the agent-wide pterm logger. Owning the instance keeps the
// agent's output independent of pterm's package defaults; everything goes
// to stderr so the control websocket port stays the only stdout consumer.
var logger = pterm.Logger{
	Formatter:  pterm.LogFormatterColorful,
	Writer:     os.Stderr,
	Level:      pterm.LogLevelInfo,
	ShowTime:   true,
	TimeFormat: "02 Jan 15:04:05",
	MaxWidth:   1000,
}

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug lowers the log level to show debug messages. Wired to the
// -debug flag and the config file's debug key.
func EnableDebug() {
	logger.Level = pterm.LogLevelDebug
}
