package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skypro1111/meeting-live-service/internal/metrics"
)

// EventTranscript is the type of a live transcript event
const EventTranscript = "transcript"

// Event is pushed to live subscribers as JSON
type Event struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TranscriptEvent builds the event for a transcript segment text
func TranscriptEvent(text string) Event {
	return Event{Type: EventTranscript, Text: text}
}

// Subscriber is a live connection that receives events for one meeting
type Subscriber interface {
	Send(ctx context.Context, event Event) error
}

// Hub maintains subscriber sets per meeting and fans events out to them
type Hub struct {
	meetings map[string]*subscriberSet
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// subscriberSet has its own lock so broadcasts for different meetings never contend
type subscriberSet struct {
	members map[Subscriber]struct{}
	// sendMu keeps pushes for one meeting in submission order
	sendMu sync.Mutex
	mu     sync.RWMutex
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		meetings: make(map[string]*subscriberSet),
		logger:   logger,
		metrics:  m,
	}
}

func (h *Hub) set(meetingID string, create bool) *subscriberSet {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.meetings[meetingID]
	if !ok && create {
		set = &subscriberSet{members: make(map[Subscriber]struct{})}
		h.meetings[meetingID] = set
	}
	return set
}

// Subscribe adds a subscriber to a meeting. Subscribing twice has no effect.
func (h *Hub) Subscribe(meetingID string, sub Subscriber) {
	set := h.set(meetingID, true)

	set.mu.Lock()
	_, exists := set.members[sub]
	set.members[sub] = struct{}{}
	count := len(set.members)
	set.mu.Unlock()

	if !exists {
		h.metrics.AddSubscribers(1)
	}

	h.logger.Debug("Live subscriber added",
		slog.String("meeting_id", meetingID),
		slog.Int("subscribers", count),
	)
}

// Unsubscribe removes a subscriber. The meeting's set is kept even when empty.
func (h *Hub) Unsubscribe(meetingID string, sub Subscriber) {
	set := h.set(meetingID, false)
	if set == nil {
		return
	}

	set.mu.Lock()
	_, exists := set.members[sub]
	delete(set.members, sub)
	set.mu.Unlock()

	if exists {
		h.metrics.AddSubscribers(-1)
	}
}

// Broadcast delivers an event to every current subscriber of a meeting.
// Subscribers whose send fails are removed after the pass. It returns the
// number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, meetingID string, event Event) int {
	set := h.set(meetingID, false)
	if set == nil {
		return 0
	}

	set.sendMu.Lock()
	defer set.sendMu.Unlock()

	set.mu.RLock()
	members := make([]Subscriber, 0, len(set.members))
	for sub := range set.members {
		members = append(members, sub)
	}
	set.mu.RUnlock()

	delivered := 0
	var failed []Subscriber
	for _, sub := range members {
		if err := sub.Send(ctx, event); err != nil {
			failed = append(failed, sub)
			h.logger.Debug("Dropping live subscriber after failed send",
				slog.String("meeting_id", meetingID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	dropped := 0
	if len(failed) > 0 {
		set.mu.Lock()
		for _, sub := range failed {
			if _, ok := set.members[sub]; ok {
				delete(set.members, sub)
				dropped++
			}
		}
		set.mu.Unlock()
	}

	h.metrics.RecordBroadcast(delivered, dropped)
	return delivered
}

// Remove drops all subscriber state for a meeting
func (h *Hub) Remove(meetingID string) {
	h.mu.Lock()
	set, ok := h.meetings[meetingID]
	delete(h.meetings, meetingID)
	h.mu.Unlock()

	if !ok {
		return
	}

	set.mu.Lock()
	count := len(set.members)
	set.members = make(map[Subscriber]struct{})
	set.mu.Unlock()

	h.metrics.AddSubscribers(-count)
}

// Count returns the number of subscribers for a meeting
func (h *Hub) Count(meetingID string) int {
	set := h.set(meetingID, false)
	if set == nil {
		return 0
	}

	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.members)
}

// Has reports whether the hub holds a subscriber set for a meeting
func (h *Hub) Has(meetingID string) bool {
	return h.set(meetingID, false) != nil
}
