package coap

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	LogLevelError string = "error"
	LogLevelWarn  string = "warn"
	LogLevelInfo  string = "info"
	LogLevelDebug string = "debug"
)

type LogFunc func(ts time.Time, level string, msg *Message, err error, log string)

var logFunc LogFunc = defaultLogFunc
var logLevel int = 1

var zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func SetLogFunc(lf LogFunc) {
	logFunc = lf
}

func SetLogLevel(level string) {
	switch level {
	case LogLevelError:
		logLevel = 1
	case LogLevelWarn:
		logLevel = 2
	case LogLevelInfo:
		logLevel = 3
	case LogLevelDebug:
		logLevel = 4
	default:
		logLevel = 0
	}
}

func defaultLogFunc(ts time.Time, level string, msg *Message, err error, l string) {
	var ev *zerolog.Event
	switch level {
	case LogLevelError:
		ev = zlog.Error()
	case LogLevelWarn:
		ev = zlog.Warn()
	case LogLevelInfo:
		ev = zlog.Info()
	default:
		ev = zlog.Debug()
	}
	if msg != nil {
		if len(msg.Meta.RemoteAddr) != 0 {
			ev = ev.Str("remote", msg.Meta.RemoteAddr)
		}
		ev = ev.Str("type", msg.Type.String()).Str("code", msg.Code.NumberString()).Uint16("mid", msg.MessageID)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(l)
}

func logError(msg *Message, err error, f string, args ...interface{}) {
	if logLevel < 1 {
		return
	}
	logFunc(time.Now(), LogLevelError, msg, err, fmt.Sprintf(f, args...))
}

func logWarn(msg *Message, err error, f string, args ...interface{}) {
	if logLevel < 2 {
		return
	}
	logFunc(time.Now(), LogLevelWarn, msg, err, fmt.Sprintf(f, args...))
}

func logInfo(msg *Message, err error, f string, args ...interface{}) {
	if logLevel < 3 {
		return
	}
	logFunc(time.Now(), LogLevelInfo, msg, err, fmt.Sprintf(f, args...))
}

func logDebug(msg *Message, err error, f string, args ...interface{}) {
	if logLevel < 4 {
		return
	}
	logFunc(time.Now(), LogLevelDebug, msg, err, fmt.Sprintf(f, args...))
}
