package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Stream frame types.
const (
	FrameEvent   = "event"
	FrameDropped = "dropped"
	FrameClosed  = "closed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamFrame is one websocket message. A dropped frame means the client
// fell behind and must refetch state before subscribing again.
type StreamFrame struct {
	Type  string        `json:"type"`
	Topic domain.Topic  `json:"topic"`
	Event *domain.Event `json:"event,omitempty"`
}

// Events upgrades to a websocket and streams bus events for the requested
// topics. topic may repeat or hold a comma separated list; entity narrows
// the stream to one post or job id.
func (a *App) Events(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query()["topic"])
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var filter eventbus.Filter
	if entity := strings.TrimSpace(r.URL.Query().Get("entity")); entity != "" {
		filter = func(ev domain.Event) bool { return ev.EntityID == entity }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		a.Logger.Debug().Err(err).Msg("http: websocket upgrade failed")
		return
	}

	subs := make([]*eventbus.Subscription, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, a.Bus.Subscribe(t, filter))
	}

	rec := a.recorder()
	rec.StreamOpened()
	defer rec.StreamClosed()

	s := &stream{
		conn:   conn,
		subs:   subs,
		logger: a.Logger.With().Str("request_id", middleware.RequestIDFromContext(r.Context())).Logger(),
	}
	s.serve()
}

func parseTopics(raw []string) ([]domain.Topic, error) {
	seen := make(map[domain.Topic]bool)
	var topics []domain.Topic
	for _, v := range raw {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			t, ok := domain.ParseTopic(name)
			if !ok {
				return nil, fmt.Errorf("unknown topic %q", name)
			}
			if !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	return topics, nil
}

type stream struct {
	conn   *websocket.Conn
	subs   []*eventbus.Subscription
	logger infra.Logger
}

// serve owns all writes to the connection. It returns when the client goes
// away, a subscription ends or a write fails.
func (s *stream) serve() {
	quit := make(chan struct{})
	gone := make(chan struct{})
	out := make(chan StreamFrame)
	defer func() {
		close(quit)
		for _, sub := range s.subs {
			sub.Close()
		}
		_ = s.conn.Close()
	}()

	go s.readPump(gone)
	for _, sub := range s.subs {
		go forward(sub, out, quit)
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case frame := <-out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug().Err(err).Msg("http: stream write failed")
				return
			}
			if frame.Type != FrameEvent {
				s.logger.Info().Str("topic", string(frame.Topic)).Str("reason", frame.Type).Msg("http: stream ended")
				s.closeWith(frame.Type)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *stream) closeWith(reason string) {
	code := websocket.CloseGoingAway
	if reason == FrameDropped {
		code = websocket.CloseTryAgainLater
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump discards client messages and keeps the read deadline moving with
// pongs. gone is closed once the connection is unreadable.
func (s *stream) readPump(gone chan<- struct{}) {
	defer close(gone)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func forward(sub *eventbus.Subscription, out chan<- StreamFrame, quit <-chan struct{}) {
	for ev := range sub.C() {
		ev := ev
		select {
		case out <- StreamFrame{Type: FrameEvent, Topic: sub.Topic(), Event: &ev}:
		case <-quit:
			return
		}
	}
	frame := StreamFrame{Type: FrameClosed, Topic: sub.Topic()}
	if sub.Dropped() {
		frame.Type = FrameDropped
	}
	select {
	case out <- frame:
	case <-quit:
	}
}
