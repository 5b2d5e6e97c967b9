package logging

import (
	"log"
	"os"
)

var (
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	debug       bool
)

func init() {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	debugLogger = log.New(os.Stdout, "DEBUG: ", flags)
	infoLogger = log.New(os.Stdout, "INFO:  ", flags)
	warnLogger = log.New(os.Stdout, "WARN:  ", flags)
	errorLogger = log.New(os.Stderr, "ERROR: ", flags)
	debug = os.Getenv("LOG_DEBUG") == "true"
}

// Debug logs verbose diagnostic messages. Enabled via LOG_DEBUG=true.
func Debug(format string, v ...interface{}) {
	if debug {
		debugLogger.Printf(format, v...)
	}
}

// Info logs informational messages.
func Info(format string, v ...interface{}) {
	infoLogger.Printf(format, v...)
}

// Warn logs warning messages.
func Warn(format string, v ...interface{}) {
	warnLogger.Printf(format, v...)
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	errorLogger.Printf(format, v...)
}

// Fatal logs an error message and exits the program with status 1.
func Fatal(format string, v ...interface{}) {
	errorLogger.Fatalf(format, v...)
}
