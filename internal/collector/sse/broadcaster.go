// Package sse streams collector activity to subscribers as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a write to one subscriber.
const WriteTimeout = 2 * time.Second

// Activity kinds.
const (
	KindSessionCreated = "session_created"
	KindEventsAppended = "events_appended"
	KindSummaryUpdated = "summary_updated"
	kindConnected      = "connected"
)

// Activity is one change to a stored session.
type Activity struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	ProblemID string    `json:"problemId,omitempty"`
	Count     int       `json:"count,omitempty"`
	Solved    *bool     `json:"solved,omitempty"`
	At        time.Time `json:"at"`
}

// Subscriber is a connected stream.
type Subscriber struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	once    sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.Done) })
}

// Broadcaster fans activity out to every subscriber.
type Broadcaster struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	nextID      int
}

// NewBroadcaster creates a Broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers w as a subscriber.
func (b *Broadcaster) Subscribe(w http.ResponseWriter) (*Subscriber, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	sub := &Subscriber{
		ID:      fmt.Sprintf("sub-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.subscribers[sub.ID] = sub
	total := len(b.subscribers)
	b.mu.Unlock()

	log.Debug().Str("subscriberId", sub.ID).Int("subscribers", total).Msg("Stream subscriber connected")
	return sub, nil
}

// Unsubscribe removes sub and closes its Done channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.ID)
	total := len(b.subscribers)
	b.mu.Unlock()

	sub.close()
	log.Debug().Str("subscriberId", sub.ID).Int("subscribers", total).Msg("Stream subscriber disconnected")
}

// Publish sends a to every subscriber. Subscribers that fail or time out
// are dropped.
func (b *Broadcaster) Publish(a Activity) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal activity")
		return
	}
	message := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", a.Kind, data))

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	dead := make(chan *Subscriber, len(subs))
	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		select {
		case <-sub.Done:
			continue
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.write(sub, message) {
				dead <- sub
			}
		}()
	}
	wg.Wait()
	close(dead)

	for sub := range dead {
		b.Unsubscribe(sub)
	}
}

func (b *Broadcaster) write(sub *Subscriber, message []byte) bool {
	result := make(chan error, 1)
	go func() {
		_, err := sub.Writer.Write(message)
		if err == nil {
			sub.Flusher.Flush()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Err(err).Str("subscriberId", sub.ID).Msg("Stream write failed")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("subscriberId", sub.ID).Dur("timeout", WriteTimeout).Msg("Stream write timed out")
		return false
	case <-sub.Done:
		return true
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ServeHTTP streams activity until the request is cancelled.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, err := b.Subscribe(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.Unsubscribe(sub)

	fmt.Fprintf(w, "event: %s\ndata: {\"subscriberId\":%q}\n\n", kindConnected, sub.ID)
	sub.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-sub.Done:
	}
}
