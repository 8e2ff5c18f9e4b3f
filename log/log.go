package log

import (
	"fmt"
	"io"
	golog "log"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var (
	mtx_log      *sync.Mutex = &sync.Mutex{}
	stdout       io.Writer   = color.Output
	g_rl         io.Writer   = nil
	debug_output             = false

	LogLabels = map[LogLevel]string{
		DEBUG:     "dbg",
		INFO:      "inf",
		IMPORTANT: "imp",
		WARNING:   "war",
		ERROR:     "err",
		FATAL:     "!!!",
		SUCCESS:   "+++",
	}
)

func DebugEnable(enable bool) {
	debug_output = enable
}

func SetOutput(o io.Writer) {
	stdout = o
}

func GetOutput() io.Writer {
	return stdout
}

func NullLogger() *golog.Logger {
	return golog.New(io.Discard, "", 0)
}

func Debug(format string, args ...interface{}) {
	if debug_output {
		log(DEBUG, format, args...)
	}
}

func Info(format string, args ...interface{}) {
	log(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	log(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	log(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	log(ERROR, format, args...)
}

func Fatal(format string, args ...interface{}) {
	log(FATAL, format, args...)
}

func Success(format string, args ...interface{}) {
	log(SUCCESS, format, args...)
}

func Printf(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprintf(stdout, format, args...)
}

func log(level LogLevel, format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	if level < DEBUG {
		return
	}

	time_clr := color.New(color.Faint)
	msg := fmt.Sprintf("%s ", time_clr.Sprintf("[%s]", time.Now().Format("15:04:05")))
	msg += format_msg(level, format+"\n", args...)

	fmt.Fprint(stdout, msg)
}

func format_msg(level LogLevel, format string, args ...interface{}) string {
	var sign, msg *color.Color
	switch level {
	case DEBUG:
		sign = color.New(color.FgBlack, color.BgHiBlack)
		msg = color.New(color.Reset, color.FgHiBlack)
	case INFO:
		sign = color.New(color.FgGreen, color.BgBlack)
		msg = color.New(color.Reset)
	case IMPORTANT:
		sign = color.New(color.FgWhite, color.BgHiBlue)
		msg = color.New(color.Reset)
	case WARNING:
		sign = color.New(color.FgBlack, color.BgYellow)
		msg = color.New(color.Reset)
	case ERROR:
		sign = color.New(color.FgWhite, color.BgRed)
		msg = color.New(color.Reset, color.FgRed)
	case FATAL:
		sign = color.New(color.FgBlack, color.BgRed)
		msg = color.New(color.Reset, color.FgRed, color.Bold)
	case SUCCESS:
		sign = color.New(color.FgWhite, color.BgGreen)
		msg = color.New(color.Reset, color.FgGreen)
	}
	return sign.Sprintf("[%s]", LogLabels[level]) + " " + msg.Sprintf(format, args...)
}

// Redact masks a secret for log output, keeping only a short prefix.
func Redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", 6)
}
