// Package rtmplog provides the leveled, mutex-guarded line logger shared
// by every component of the server. It mirrors a plain stdout logger with
// no external dependency, gated by environment variables read once at
// startup.
package rtmplog

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var mutex sync.Mutex

var debugEnabled = os.Getenv("LOG_DEBUG") == "YES"
var requestsEnabled = os.Getenv("LOG_REQUESTS") != "NO"

func line(s string) {
	tm := time.Now()
	mutex.Lock()
	defer mutex.Unlock()
	fmt.Printf("[%s] %s\n", tm.Format("2006-01-02 15:04:05"), s)
}

// Info logs an informational message.
func Info(msg string) {
	line("[INFO] " + msg)
}

// Warning logs a warning message.
func Warning(msg string) {
	line("[WARNING] " + msg)
}

// Error logs an error.
func Error(err error) {
	line("[ERROR] " + err.Error())
}

// Debug logs a debug message, only when LOG_DEBUG=YES.
func Debug(msg string) {
	if debugEnabled {
		line("[DEBUG] " + msg)
	}
}

// Request logs a per-connection request line, unless LOG_REQUESTS=NO.
func Request(sessionID uint64, ip string, msg string) {
	if requestsEnabled {
		line("[REQUEST] #" + strconv.FormatUint(sessionID, 10) + " (" + ip + ") " + msg)
	}
}

// DebugSession logs a per-connection debug line, only when LOG_DEBUG=YES.
func DebugSession(sessionID uint64, ip string, msg string) {
	if debugEnabled {
		line("[DEBUG] #" + strconv.FormatUint(sessionID, 10) + " (" + ip + ") " + msg)
	}
}
