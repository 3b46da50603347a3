package commons

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Configure the default slog logger with the tint handler.
func ConfigureLog(level slog.Level) {
	logOpts := new(tint.Options)
	logOpts.Level = level
	logOpts.AddSource = level == slog.LevelDebug
	logOpts.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
	logOpts.TimeFormat = "[15:04:05.000]"
	handler := tint.NewHandler(os.Stdout, logOpts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
