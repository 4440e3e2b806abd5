package models

import (
	"encoding/json"
	"strconv"
)

// Raw task-pool statuses as reported by the archive server.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskStopped   = "stopped"
)

// TaskTypeScan is the task type of the indexing job spawned by a download task.
const TaskTypeScan = "scan_archive"

// Task is the server's task-pool record, read-only from this side.
type Task struct {
	ID       LaxString `json:"id"`
	Status   string    `json:"status"`
	Progress LaxFloat  `json:"progress"`
	Message  string    `json:"message"`
	Result   string    `json:"result"`
	TaskType string    `json:"task_type"`
	GroupID  string    `json:"group_id"`
}

// LaxString decodes a JSON string or number as a string; task ids come back
// as either depending on the server version.
type LaxString string

func (s *LaxString) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*s = ""
		return nil
	}
	if len(raw) >= 2 && raw[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = LaxString(str)
		return nil
	}
	*s = LaxString(raw)
	return nil
}

// LaxFloat decodes a JSON number, numeric string, or null. Anything else
// becomes zero rather than a decode error; the task pool is not strict about
// the progress field's type.
type LaxFloat float64

func (f *LaxFloat) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*f = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*f = 0
			return nil
		}
		s = str
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = LaxFloat(v)
	return nil
}

// NormalizeStatus maps a raw task status onto the entry-status vocabulary.
// Pending tasks are queued; unrecognized statuses are treated as still running.
func NormalizeStatus(raw string) string {
	switch raw {
	case TaskPending:
		return StatusQueued
	case TaskRunning, TaskCompleted, TaskFailed, TaskStopped:
		return raw
	default:
		return StatusRunning
	}
}

// ClampProgress coerces a progress value into the [0, 100] range.
func ClampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ArchiveIDFromResult extracts the archive id out of a scan task's result
// payload, a JSON-encoded string with an archive_id field. Malformed or blank
// payloads yield the empty string, never an error.
func ArchiveIDFromResult(result string) string {
	if result == "" {
		return ""
	}
	var parsed struct {
		ArchiveID string `json:"archive_id"`
	}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		return ""
	}
	return parsed.ArchiveID
}
