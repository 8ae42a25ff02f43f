package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

// SessionStore is a remote.Store kept in PostgreSQL.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a SessionStore on top of store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// CreateSession inserts header unless the session exists.
func (s *SessionStore) CreateSession(ctx context.Context, header models.SessionHeader) (bool, error) {
	rec := sessionRecordFromHeader(header)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("insert session: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AppendEvents inserts the events whose (session_id, seq) is not stored yet.
func (s *SessionStore) AppendEvents(ctx context.Context, sessionID string, events []models.Event) (int, error) {
	if err := s.ensureExists(ctx, sessionID); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		rec, err := eventRecordFromEvent(sessionID, ev)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "seq"}},
			DoNothing: true,
		}).
		Create(&records)
	if res.Error != nil {
		return 0, fmt.Errorf("insert events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// FinalizeSummary overwrites the summary and end time of a session. An
// interim summary (nil endTime) is ignored once the session has an end time.
func (s *SessionStore) FinalizeSummary(ctx context.Context, sessionID string, summary models.Summary, endTime *time.Time) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	values := map[string]any{
		"summary":    doc,
		"updated_at": time.Now().UTC(),
	}
	q := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("session_id = ?", sessionID)
	if endTime != nil {
		values["end_time"] = endTime.UTC()
	} else {
		q = q.Where("end_time IS NULL")
	}

	res := q.Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update summary: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Nothing matched: either unknown, or finalized and the write was interim.
		return s.ensureExists(ctx, sessionID)
	}
	return nil
}

// GetSession reads a session with its events ordered by seq.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*remote.SessionDocument, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, remote.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var events []EventRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return documentFromRecords(rec, events)
}

func (s *SessionStore) ensureExists(ctx context.Context, sessionID string) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if count == 0 {
		return remote.ErrSessionNotFound
	}
	return nil
}

func sessionRecordFromHeader(h models.SessionHeader) SessionRecord {
	return SessionRecord{
		SessionID:        h.SessionID,
		UserID:           h.UserID,
		UserName:         h.UserName,
		ProblemID:        h.ProblemID,
		ProblemTitle:     h.ProblemTitle,
		Difficulty:       h.Difficulty,
		Topics:           JSONStringArray(append([]string{}, h.Topics...)),
		SessionStartTime: h.SessionStartTime.UTC(),
	}
}

func eventRecordFromEvent(sessionID string, ev models.Event) (EventRecord, error) {
	data, err := json.Marshal(ev.EventData)
	if err != nil {
		return EventRecord{}, fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}
	return EventRecord{
		SessionID: sessionID,
		Seq:       ev.Seq,
		EventType: string(ev.EventType),
		EventData: data,
		Timestamp: ev.Timestamp.UTC(),
	}, nil
}

func documentFromRecords(rec SessionRecord, events []EventRecord) (*remote.SessionDocument, error) {
	doc := &remote.SessionDocument{
		SessionHeader: models.SessionHeader{
			SessionID:        rec.SessionID,
			UserID:           rec.UserID,
			UserName:         rec.UserName,
			ProblemID:        rec.ProblemID,
			ProblemTitle:     rec.ProblemTitle,
			Difficulty:       rec.Difficulty,
			Topics:           []string(rec.Topics),
			SessionStartTime: rec.SessionStartTime,
		},
		Events:    make([]models.Event, 0, len(events)),
		EndTime:   rec.EndTime,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Summary) > 0 {
		var sum models.Summary
		if err := json.Unmarshal(rec.Summary, &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		doc.Summary = &sum
	}
	for _, er := range events {
		ev := models.Event{
			Seq:       er.Seq,
			EventType: models.EventType(er.EventType),
			Timestamp: er.Timestamp,
		}
		if err := json.Unmarshal(er.EventData, &ev.EventData); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", er.Seq, err)
		}
		doc.Events = append(doc.Events, ev)
	}
	return doc, nil
}
