package models

import "time"

// EntryStatus is the lifecycle of a queue entry. Entries never return
// to waiting once promoted; withdrawal deletes the row outright.
type EntryStatus string

const (
	EntryStatusWaiting    EntryStatus = "waiting"
	EntryStatusSubmitting EntryStatus = "submitting"
	EntryStatusCompleted  EntryStatus = "completed"
)

// QueueEntry is one student's position in a session's queue. JoinTime
// is assigned at creation and never changes; together with the entry
// id it defines the total FIFO order. StartTime and EndTime bound the
// presentation interval once the entry reaches the submitting slot.
type QueueEntry struct {
	ID        string      `db:"id" json:"id"`
	SessionID string      `db:"session_id" json:"session_id"`
	StudentID string      `db:"student_id" json:"student_id"`
	JoinTime  time.Time   `db:"join_time" json:"join_time"`
	Status    EntryStatus `db:"status" json:"status"`
	StartTime *time.Time  `db:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time  `db:"end_time" json:"end_time,omitempty"`
}

// QueueEntryDetail enriches QueueEntry with student info.
type QueueEntryDetail struct {
	QueueEntry
	StudentName string `db:"student_name" json:"student_name"`
}

// JoinResult is returned after a successful join.
type JoinResult struct {
	Entry                QueueEntry `json:"entry"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
}

// QueueState is the full read projection of a session's queue.
// Position and wait estimate are recomputed on every read; they may
// lag concurrent joins and withdrawals.
type QueueState struct {
	Session              LabSessionDetail   `json:"session"`
	Entries              []QueueEntryDetail `json:"entries"`
	CallerEntry          *QueueEntry        `json:"caller_entry,omitempty"`
	Position             int                `json:"position,omitempty"`
	EstimatedWaitMinutes int                `json:"estimated_wait_minutes,omitempty"`
	IsActive             bool               `json:"is_active"`
	NextOccurrence       *time.Time         `json:"next_occurrence,omitempty"`
}

// PromotionEvent is published whenever an entry is promoted to the
// submitting slot. Notification delivery subscribes to these.
type PromotionEvent struct {
	SessionID  string    `json:"session_id"`
	EntryID    string    `json:"entry_id"`
	StudentID  string    `json:"student_id"`
	SubjectID  string    `json:"subject_id"`
	PromotedAt time.Time `json:"promoted_at"`
}
