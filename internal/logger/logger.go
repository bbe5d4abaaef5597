package logger

import (
	"fmt"
	"log"
	"os"
)

var (
	// Debug flag to control debug logging
	debugEnabled = false
	// The logger instances
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
)

func init() {
	// Safe defaults so packages can log before main wires the debug flag.
	Init(false)
}

// Init initializes the logger
func Init(debug bool) {
	debugEnabled = debug

	// Create loggers with appropriate prefixes
	debugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	infoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime)
	warnLogger = log.New(os.Stdout, "WARN: ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	if debugEnabled {
		Debug("Debug logging enabled")
	}
}

// Debug logs a debug message if debug mode is enabled
func Debug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	infoLogger.Output(2, fmt.Sprintf(format, v...))
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	warnLogger.Output(2, fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	errorLogger.Output(2, fmt.Sprintf(format, v...))
}

// IsDebugEnabled returns whether debug logging is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// Subsystem helpers so log lines can be grepped per concern.

func subsystem(prefix, format string, v ...interface{}) string {
	return prefix + ": " + fmt.Sprintf(format, v...)
}

// Selfie action logging

func SelfieDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("SELFIE", format, v...))
	}
}

func SelfieInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("SELFIE", format, v...))
}

func SelfieWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("SELFIE", format, v...))
}

func SelfieError(format string, v ...interface{}) {
	errorLogger.Output(2, subsystem("SELFIE", format, v...))
}

// Content store logging

func StoreDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("STORE", format, v...))
	}
}

func StoreInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("STORE", format, v...))
}

func StoreWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("STORE", format, v...))
}

func StoreError(format string, v ...interface{}) {
	errorLogger.Output(2, subsystem("STORE", format, v...))
}

// Rate limiter logging

func LimitDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("LIMIT", format, v...))
	}
}

func LimitInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("LIMIT", format, v...))
}

func LimitWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("LIMIT", format, v...))
}

// Prompt planner (LLM) logging

func LLMDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("LLM", format, v...))
	}
}

func LLMInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("LLM", format, v...))
}

func LLMWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("LLM", format, v...))
}

func LLMError(format string, v ...interface{}) {
	errorLogger.Output(2, subsystem("LLM", format, v...))
}

// Image generator logging

func ImageDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("IMAGE", format, v...))
	}
}

func ImageInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("IMAGE", format, v...))
}

func ImageWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("IMAGE", format, v...))
}

func ImageError(format string, v ...interface{}) {
	errorLogger.Output(2, subsystem("IMAGE", format, v...))
}

// Telegram adapter logging

func TelegramDebug(format string, v ...interface{}) {
	if debugEnabled {
		debugLogger.Output(2, subsystem("TELEGRAM", format, v...))
	}
}

func TelegramInfo(format string, v ...interface{}) {
	infoLogger.Output(2, subsystem("TELEGRAM", format, v...))
}

func TelegramWarn(format string, v ...interface{}) {
	warnLogger.Output(2, subsystem("TELEGRAM", format, v...))
}

func TelegramError(format string, v ...interface{}) {
	errorLogger.Output(2, subsystem("TELEGRAM", format, v...))
}
