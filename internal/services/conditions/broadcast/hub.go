// Package broadcast fans summaries and push notifications out to websocket
// subscribers grouped into rooms.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/escalation"
)

const (
	FrameSummaryUpdated = "summary.updated"
	FrameEscalationPush = "escalation.push"
	FramePong           = "pong"
	FrameError          = "error"

	writeTimeout = 5 * time.Second
)

// Frame is one websocket message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// GroupRoom names the room receiving a group's summaries.
func GroupRoom(groupID string) string {
	return "group:" + strings.TrimSpace(groupID)
}

// UserRoom names the room receiving one user's push notifications.
func UserRoom(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

// Conn is the write side of a subscriber connection.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	Write(p []byte) (int, error)
}

type peer struct {
	mu      sync.Mutex
	conn    Conn
	encoder *json.Encoder
	// sentAt is the version of the newest summary written to this peer.
	sentAt time.Time
}

func newPeer(conn Conn) *peer {
	return &peer{conn: conn, encoder: json.NewEncoder(conn)}
}

func (p *peer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(frame)
}

// writeSummary writes summary unless the peer already has the same or a
// newer version. It reports whether a frame was written.
func (p *peer) writeSummary(summary domain.Summary) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !summary.GeneratedAt.After(p.sentAt) {
		return false, nil
	}
	if err := p.writeLocked(Frame{Type: FrameSummaryUpdated, Payload: summary}); err != nil {
		return false, err
	}
	p.sentAt = summary.GeneratedAt
	return true, nil
}

func (p *peer) writeLocked(frame Frame) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.encoder.Encode(frame)
}

// Hub tracks room membership. PublishSummary never blocks on subscribers.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}

	// One drain goroutine per group delivers summaries in version order and
	// keeps only the newest one waiting.
	summaryMu sync.Mutex
	pending   map[string]domain.Summary
	draining  map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[*peer]struct{}),
		pending:  make(map[string]domain.Summary),
		draining: make(map[string]bool),
	}
}

func (h *Hub) join(room string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[room] = members
	}
	members[p] = struct{}{}
}

func (h *Hub) leave(room string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) subscribers(room string) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	out := make([]*peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

func (h *Hub) subscriberCount(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Publish writes frame to every peer in room and returns how many writes
// succeeded. Failed peers are left for their read loop to remove.
func (h *Hub) Publish(room string, frame Frame) int {
	delivered := 0
	for _, p := range h.subscribers(room) {
		if err := p.writeFrame(frame); err != nil {
			log.Printf("broadcast: write %s to %s: %v", frame.Type, room, err)
			continue
		}
		delivered++
	}
	return delivered
}

// PublishSummary queues summary for the group's room and returns at once.
// Subscribers see versions in increasing order; a summary superseded before
// it was sent is skipped.
func (h *Hub) PublishSummary(_ context.Context, summary domain.Summary) {
	if h == nil {
		return
	}
	groupID := summary.GroupID
	h.summaryMu.Lock()
	defer h.summaryMu.Unlock()
	if queued, ok := h.pending[groupID]; ok && !summary.GeneratedAt.After(queued.GeneratedAt) {
		return
	}
	h.pending[groupID] = summary
	if !h.draining[groupID] {
		h.draining[groupID] = true
		go h.drainSummaries(groupID)
	}
}

func (h *Hub) drainSummaries(groupID string) {
	room := GroupRoom(groupID)
	for {
		h.summaryMu.Lock()
		summary, ok := h.pending[groupID]
		if !ok {
			delete(h.draining, groupID)
			h.summaryMu.Unlock()
			return
		}
		delete(h.pending, groupID)
		h.summaryMu.Unlock()

		for _, p := range h.subscribers(room) {
			if _, err := p.writeSummary(summary); err != nil {
				log.Printf("broadcast: write %s to %s: %v", FrameSummaryUpdated, room, err)
			}
		}
	}
}

// Send implements escalation.Sender for the push channel. A recipient with
// no open connection is not an error.
func (h *Hub) Send(_ context.Context, notification escalation.Notification) error {
	if h == nil {
		return nil
	}
	var payload any = json.RawMessage(notification.PayloadJSON)
	if strings.TrimSpace(notification.PayloadJSON) == "" {
		payload = nil
	}
	h.Publish(UserRoom(notification.RecipientUserID), Frame{Type: FrameEscalationPush, Payload: payload})
	return nil
}

var _ escalation.Sender = (*Hub)(nil)
