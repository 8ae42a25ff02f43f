// Package redisstore keeps collected sessions in Redis.
//
// A session is a hash at <prefix>session:<id> with the header, summary and
// end time, and its events a hash at <prefix>session:<id>:events keyed by
// seq. HSETNX on both gives create-or-ignore and union-by-seq.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"

	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "solvetrace:"

const (
	fieldHeader    = "header"
	fieldSummary   = "summary"
	fieldEndTime   = "endTime"
	fieldUpdatedAt = "updatedAt"
)

// Store is a remote.Store backed by a redigo connection pool.
type Store struct {
	pool   *redis.Pool
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a Store connecting to the Redis server at addr.
func New(addr string, opts ...Option) *Store {
	s := &Store{
		prefix: DefaultPrefix,
		pool: &redis.Pool{
			MaxIdle:     4,
			MaxActive:   16,
			IdleTimeout: 5 * time.Minute,
			Wait:        true,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr,
					redis.DialConnectTimeout(5*time.Second),
					redis.DialReadTimeout(5*time.Second),
					redis.DialWriteTimeout(5*time.Second))
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) eventsKey(id string) string {
	return s.prefix + "session:" + id + ":events"
}

// CreateSession stores header unless the session exists.
func (s *Store) CreateSession(ctx context.Context, header models.SessionHeader) (bool, error) {
	doc, err := json.Marshal(header)
	if err != nil {
		return false, fmt.Errorf("marshal header: %w", err)
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("get redis connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	n, err := redis.Int(conn.Do("HSETNX", s.sessionKey(header.SessionID), fieldHeader, doc))
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	if n == 1 {
		if _, err := conn.Do("HSET", s.sessionKey(header.SessionID), fieldUpdatedAt, nowString()); err != nil {
			return true, fmt.Errorf("touch session: %w", err)
		}
	}
	return n == 1, nil
}

// AppendEvents stores the events whose seq is not stored yet.
func (s *Store) AppendEvents(ctx context.Context, sessionID string, events []models.Event) (int, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("get redis connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := s.ensureExists(conn, sessionID); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	key := s.eventsKey(sessionID)
	for _, ev := range events {
		doc, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		if err := conn.Send("HSETNX", key, strconv.Itoa(ev.Seq), doc); err != nil {
			return 0, fmt.Errorf("queue event %d: %w", ev.Seq, err)
		}
	}
	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("flush events: %w", err)
	}

	added := 0
	for range events {
		n, err := redis.Int(conn.Receive())
		if err != nil {
			return added, fmt.Errorf("append events: %w", err)
		}
		added += n
	}
	if added > 0 {
		if _, err := conn.Do("HSET", s.sessionKey(sessionID), fieldUpdatedAt, nowString()); err != nil {
			return added, fmt.Errorf("touch session: %w", err)
		}
	}
	return added, nil
}

// interimScript writes an interim summary unless the session already has an
// end time. KEYS[1] is the session hash.
var interimScript = redis.NewScript(1, `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
return 1
`)

// FinalizeSummary overwrites the summary and end time. An interim summary
// (nil endTime) is ignored once the session has an end time.
func (s *Store) FinalizeSummary(ctx context.Context, sessionID string, summary models.Summary, endTime *time.Time) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := s.ensureExists(conn, sessionID); err != nil {
		return err
	}

	key := s.sessionKey(sessionID)
	if endTime != nil {
		_, err = conn.Do("HSET", key, fieldSummary, doc, fieldEndTime, endTime.UTC().Format(time.RFC3339Nano), fieldUpdatedAt, nowString())
	} else {
		_, err = interimScript.Do(conn, key, fieldEndTime, fieldSummary, doc, fieldUpdatedAt, nowString())
	}
	if err != nil {
		return fmt.Errorf("finalize summary: %w", err)
	}
	return nil
}

// GetSession reads a session with its events ordered by seq.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*remote.SessionDocument, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	fields, err := redis.StringMap(conn.Do("HGETALL", s.sessionKey(sessionID)))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	raw, err := redis.ByteSlices(conn.Do("HVALS", s.eventsKey(sessionID)))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return decodeDocument(fields, raw)
}

func (s *Store) ensureExists(conn redis.Conn, sessionID string) error {
	ok, err := redis.Bool(conn.Do("HEXISTS", s.sessionKey(sessionID), fieldHeader))
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !ok {
		return remote.ErrSessionNotFound
	}
	return nil
}

func decodeDocument(fields map[string]string, rawEvents [][]byte) (*remote.SessionDocument, error) {
	header, ok := fields[fieldHeader]
	if !ok {
		return nil, remote.ErrSessionNotFound
	}
	doc := &remote.SessionDocument{Events: make([]models.Event, 0, len(rawEvents))}
	if err := json.Unmarshal([]byte(header), &doc.SessionHeader); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if v, ok := fields[fieldSummary]; ok {
		var sum models.Summary
		if err := json.Unmarshal([]byte(v), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		doc.Summary = &sum
	}
	if v, ok := fields[fieldEndTime]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("decode end time: %w", err)
		}
		doc.EndTime = &t
	}
	if v, ok := fields[fieldUpdatedAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			doc.UpdatedAt = t
		}
	}
	for _, raw := range rawEvents {
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		doc.Events = append(doc.Events, ev)
	}
	remote.SortEvents(doc.Events)
	return doc, nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
