// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *spcLogger
	mu     sync.RWMutex
)

// spcLogger wraps a seelog logger with a mutable level.
type spcLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
}

// SetupLogger configures the package-level logger. Until it is called,
// warnings and errors fall back to stderr so early failures are not lost.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	mu.Lock()
	defer mu.Unlock()
	logger = &spcLogger{inner: l, level: lvl}
}

// SetupDefaultLogger builds a console logger at the given level. Used by the
// binary at startup and by tests that want log output.
func SetupDefaultLogger(level string) error {
	l, err := seelog.LoggerFromConfigAsString(seelogConfig(level))
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

func seelogConfig(level string) string {
	return fmt.Sprintf(
		`<seelog minlevel="%s"><outputs formatid="common"><console/></outputs>`+
			`<formats><format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | %%Msg%%n"/></formats></seelog>`,
		strings.ToLower(level))
}

// ChangeLogLevel adjusts the minimum level of the configured logger.
func ChangeLogLevel(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return fmt.Errorf("logger not initialized")
	}
	logger.level = lvl
	return nil
}

// Flush flushes any buffered log entries.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		logger.inner.Flush()
	}
}

func (l *spcLogger) shouldLog(level seelog.LogLevel) bool {
	return level >= l.level
}

func current() *spcLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func fallback(s string) {
	fmt.Fprintf(os.Stderr, "%s\n", s)
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.TraceLvl) {
		l.inner.Trace(v...)
	}
}

// Tracef formats and logs at the trace level.
func Tracef(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.TraceLvl) {
		l.inner.Tracef(format, params...)
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debug(v...)
	}
}

// Debugf formats and logs at the debug level.
func Debugf(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debugf(format, params...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Info(v...)
	}
}

// Infof formats and logs at the info level.
func Infof(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Infof(format, params...)
	}
}

// Warn logs at the warning level and returns the message as an error.
func Warn(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	l := current()
	if l == nil {
		fallback("WARN | " + err.Error())
		return err
	}
	if l.shouldLog(seelog.WarnLvl) {
		l.inner.Warn(v...) //nolint:errcheck
	}
	return err
}

// Warnf formats, logs at the warning level and returns the message as an error.
func Warnf(format string, params ...interface{}) error {
	return Warn(fmt.Sprintf(format, params...))
}

// Error logs at the error level and returns the message as an error.
func Error(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	l := current()
	if l == nil {
		fallback("ERROR | " + err.Error())
		return err
	}
	if l.shouldLog(seelog.ErrorLvl) {
		l.inner.Error(v...) //nolint:errcheck
	}
	return err
}

// Errorf formats, logs at the error level and returns the message as an error.
func Errorf(format string, params ...interface{}) error {
	return Error(fmt.Sprintf(format, params...))
}

// Critical logs at the critical level and returns the message as an error.
func Critical(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	l := current()
	if l == nil {
		fallback("CRITICAL | " + err.Error())
		return err
	}
	if l.shouldLog(seelog.CriticalLvl) {
		l.inner.Critical(v...) //nolint:errcheck
	}
	return err
}

// Criticalf formats, logs at the critical level and returns the message as an
// error.
func Criticalf(format string, params ...interface{}) error {
	return Critical(fmt.Sprintf(format, params...))
}
