package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events inside the caller's transaction, so an
// event is durable exactly when the change it describes is.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one event row. taskID may be zero for project and epic
// events.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, taskID int64, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullableID(taskID), string(data))
	return err
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
