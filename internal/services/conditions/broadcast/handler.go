package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

const maxDecodeErrorsPerConn = 3

// Subscription is an authorized websocket session.
type Subscription struct {
	UserID  string
	GroupID string
}

// Authorizer resolves and authorizes the subscription for an upgrade
// request. Errors reject the upgrade with the returned status.
type Authorizer func(r *http.Request) (Subscription, int, error)

// Snapshot returns the payload sent to a subscriber right after it joins.
type Snapshot func(ctx context.Context, groupID string) (any, error)

type subscriptionContextKey struct{}

type inboundFrame struct {
	Type string `json:"type"`
}

// Handler upgrades authorized requests and joins the group and user rooms.
func Handler(hub *Hub, authorize Authorizer, snapshot Snapshot) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		sub, _ := conn.Request().Context().Value(subscriptionContextKey{}).(Subscription)
		serveConn(conn, hub, sub, snapshot)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sub, status, err := authorize(r)
		if err != nil {
			log.Printf("broadcast: websocket rejected remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		ctx := context.WithValue(r.Context(), subscriptionContextKey{}, sub)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

func serveConn(conn *websocket.Conn, hub *Hub, sub Subscription, snapshot Snapshot) {
	defer func() {
		_ = conn.Close()
	}()

	p := newPeer(conn)
	groupRoom := GroupRoom(sub.GroupID)
	userRoom := UserRoom(sub.UserID)
	hub.join(groupRoom, p)
	hub.join(userRoom, p)
	defer hub.leave(groupRoom, p)
	defer hub.leave(userRoom, p)

	if snapshot != nil {
		payload, err := snapshot(conn.Request().Context(), sub.GroupID)
		if err != nil {
			log.Printf("broadcast: snapshot for group %s: %v", sub.GroupID, err)
		} else if err := writeSnapshot(p, payload); err != nil {
			return
		}
	}

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame inboundFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = p.writeFrame(Frame{Type: FrameError, Payload: map[string]string{"message": "invalid frame payload"}})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case "ping":
			_ = p.writeFrame(Frame{Type: FramePong})
		default:
			_ = p.writeFrame(Frame{Type: FrameError, Payload: map[string]string{"message": "unsupported frame type"}})
		}
	}
}

func writeSnapshot(p *peer, payload any) error {
	if summary, ok := payload.(domain.Summary); ok && !summary.GeneratedAt.IsZero() {
		_, err := p.writeSummary(summary)
		return err
	}
	return p.writeFrame(Frame{Type: FrameSummaryUpdated, Payload: payload})
}
