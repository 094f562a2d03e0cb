package mm

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

// stdLogger writes through the standard log package, optionally into a
// rotating file.
type stdLogger struct {
	file *lumberjack.Logger
}

var logger Logger = stdLogger{}

// LogConfig sets up logging to a rotating log file.  An empty Logfile sends
// log messages to the standard logger (stderr).
type LogConfig struct {
	Logfile string
	MaxSize int `toml:"max_log_size"` // megabytes
	MaxAge  int `toml:"max_log_age"`  // days
}

// SetLogger directs log messages to the configured rotating log file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("Sending log messages to stderr since no log file specified.\n")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	f := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(f)
	SetLogger(stdLogger{f})
}

// printf pads the severity so messages line up.
func (slog stdLogger) printf(m ModeFlag, format string, args []interface{}) {
	log.Printf("%8s %s", m, fmt.Sprintf(format, args...))
}

func (slog stdLogger) Debugf(format string, args ...interface{}) {
	slog.printf(DebugMode, format, args)
}

func (slog stdLogger) Infof(format string, args ...interface{}) {
	slog.printf(InfoMode, format, args)
}

func (slog stdLogger) Warningf(format string, args ...interface{}) {
	slog.printf(WarningMode, format, args)
}

func (slog stdLogger) Errorf(format string, args ...interface{}) {
	slog.printf(ErrorMode, format, args)
}

func (slog stdLogger) Criticalf(format string, args ...interface{}) {
	slog.printf(CriticalMode, format, args)
}

func (slog stdLogger) Shutdown() {
	if slog.file != nil {
		log.Printf("Closing log file %s\n", slog.file.Filename)
		slog.file.Close()
	}
}
