package gorm

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// JSONStringArray is a []string stored as a JSON document.
type JSONStringArray []string

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*a = JSONStringArray{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan JSONStringArray: unsupported type %T", value)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scan JSONStringArray: %w", err)
	}
	*a = out
	return nil
}

// SessionRecord is one collected session.
type SessionRecord struct {
	SessionID        string          `gorm:"primaryKey;type:text"`
	UserID           string          `gorm:"index:idx_sessions_user_started,priority:1;not null"`
	UserName         string          `gorm:"not null;default:''"`
	ProblemID        string          `gorm:"index;not null"`
	ProblemTitle     string          `gorm:"not null;default:''"`
	Difficulty       string          `gorm:"not null;default:''"`
	Topics           JSONStringArray `gorm:"type:jsonb;not null;default:'[]'"`
	SessionStartTime time.Time       `gorm:"index:idx_sessions_user_started,priority:2,sort:desc;not null"`
	EndTime          *time.Time
	Summary          []byte `gorm:"type:jsonb"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName returns the table of SessionRecord.
func (SessionRecord) TableName() string { return "collected_sessions" }

// EventRecord is one event of a collected session. (session_id, seq) is unique.
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"uniqueIndex:idx_events_session_seq,priority:1;not null"`
	Seq       int       `gorm:"uniqueIndex:idx_events_session_seq,priority:2;not null"`
	EventType string    `gorm:"index;not null"`
	EventData []byte    `gorm:"type:jsonb;not null"`
	Timestamp time.Time `gorm:"not null"`
	CreatedAt time.Time
}

// TableName returns the table of EventRecord.
func (EventRecord) TableName() string { return "collected_events" }
