package mm

import (
	"sync"
	"time"
)

// ModeFlag is a log severity.  Messages below the current mode are dropped.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var modeNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL", "SILENT"}

func (m ModeFlag) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "UNKNOWN"
}

var (
	loggerMu sync.RWMutex
	mode     = InfoMode
)

// Logger receives log messages that passed the severity check.  The default
// writes through the standard log package or, once LogConfig.SetLogger is
// called with a log file, to a rotating file.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown flushes and closes any log file.
	Shutdown()
}

// SetLogMode sets the minimum severity that gets logged.  SetLogMode(WarningMode)
// keeps warnings, errors and critical messages.  SilentMode drops everything.
func SetLogMode(newMode ModeFlag) {
	loggerMu.Lock()
	mode = newMode
	loggerMu.Unlock()
}

// SetLogger replaces the package logger, e.g., to capture messages in tests.
// nil restores the default.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		logger = stdLogger{}
		return
	}
	logger = l
}

// current returns the logger if a message of severity m should be logged.
func current(m ModeFlag) Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if m < mode || mode == SilentMode {
		return nil
	}
	return logger
}

func emit(m ModeFlag, format string, args []interface{}) {
	l := current(m)
	if l == nil {
		return
	}
	switch m {
	case DebugMode:
		l.Debugf(format, args...)
	case InfoMode:
		l.Infof(format, args...)
	case WarningMode:
		l.Warningf(format, args...)
	case ErrorMode:
		l.Errorf(format, args...)
	default:
		l.Criticalf(format, args...)
	}
}

func Debugf(format string, args ...interface{})    { emit(DebugMode, format, args) }
func Infof(format string, args ...interface{})     { emit(InfoMode, format, args) }
func Warningf(format string, args ...interface{})  { emit(WarningMode, format, args) }
func Errorf(format string, args ...interface{})    { emit(ErrorMode, format, args) }
func Criticalf(format string, args ...interface{}) { emit(CriticalMode, format, args) }

// Shutdown closes any log file.
func Shutdown() {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	l.Shutdown()
}

// TimeLog appends the time elapsed since its creation to each message.
//
//	timedLog := NewTimeLog()
//	...
//	timedLog.Infof("Flushed %d tiles", n)  // "Flushed 12 tiles: 3.2ms"
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

func (t TimeLog) emit(m ModeFlag, format string, args []interface{}) {
	emit(m, format+": %s\n", append(args, time.Since(t.start)))
}

func (t TimeLog) Debugf(format string, args ...interface{})   { t.emit(DebugMode, format, args) }
func (t TimeLog) Infof(format string, args ...interface{})    { t.emit(InfoMode, format, args) }
func (t TimeLog) Warningf(format string, args ...interface{}) { t.emit(WarningMode, format, args) }
func (t TimeLog) Errorf(format string, args ...interface{})   { t.emit(ErrorMode, format, args) }
