package domain

type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Epic struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Task carries coordination state alongside its descriptive fields.
// Status holds the canonical vocabulary (pending, in_progress, review,
// completed, blocked); the API boundary translates aliases.
type Task struct {
	ID             int64          `json:"id"`
	EpicID         int64          `json:"epic_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status" enum:"pending,in_progress,review,completed,blocked"`
	LockHolder     *string        `json:"lock_holder,omitempty"`
	LockExpiresAt  *string        `json:"lock_expires_at,omitempty" format:"date-time"`
	AssumptionTags []string       `json:"assumption_tags,omitempty"`
	Complexity     *int           `json:"complexity,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Locked reports whether the task's lock is active at the given instant.
// now is an RFC3339 UTC string; comparison is lexicographic, which is
// correct for uniformly formatted UTC timestamps.
func (t Task) Locked(now string) bool {
	return t.LockHolder != nil && t.LockExpiresAt != nil && *t.LockExpiresAt > now
}

// LockState is the live lock view of a task, expiry already evaluated.
type LockState struct {
	TaskID    int64   `json:"task_id"`
	Holder    *string `json:"holder,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
	Locked    bool    `json:"locked"`
}

// TaskLog is an append-only audit entry; Seq is monotonic per task.
type TaskLog struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	Seq       int64  `json:"seq"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is the durable audit record of a committed change. The live
// websocket feed carries the same shape.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  *int64 `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}
