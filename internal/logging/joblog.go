package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobEntry is a single job-completion record, written once per run.
type JobEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	VmID       string    `json:"vm_id"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	ColdBoot   bool       `json:"cold_boot"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// JobLog records one line per completed job: a human-readable console line
// and, if a file is configured, a JSON line for offline analysis.
type JobLog struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultJobLog = &JobLog{enabled: true, console: true}

// DefaultJobLog returns the process-wide job log.
func DefaultJobLog() *JobLog {
	return defaultJobLog
}

// SetOutput directs JSON job records to the given file in addition to the console.
func (l *JobLog) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables the human-readable console line.
func (l *JobLog) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records one completed job.
func (l *JobLog) Log(entry *JobEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cold := ""
		if entry.ColdBoot {
			cold = " [cold]"
		}
		fmt.Printf("[job] %s %s vm=%s exit=%d %dms%s\n",
			status, entry.RunID, entry.VmID, entry.ExitCode, entry.DurationMs, cold)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the backing file, if any.
func (l *JobLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
