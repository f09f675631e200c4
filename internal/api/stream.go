package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"feedbackhub/internal/broker"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	wsPingEvery = 20 * time.Second
	wsReadWait  = 60 * time.Second
)

// DeliveryStreamHandler handles GET /v1/admin/streams/deliveries.
// Owners see their project; admins see ?projectId= or every project.
func (s *Server) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r)
	topic := p.Project
	if p.IsAdmin() {
		topic = r.URL.Query().Get("projectId")
		if topic == "" {
			topic = broker.AllTopic
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}
	log.Debug().Str("topic", topic).Str("subject", p.Subject).Msg("delivery stream opened")

	// Read loop: answers pings and notices the client going away
	done := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadWait)) })
	go func() {
		defer close(done)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
			if msg.Type == "ping" {
				_ = write(wsMessage{Type: "pong"})
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := write(wsMessage{Type: "ping"}); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(evt)
			if err := write(wsMessage{Type: "next", Payload: payload}); err != nil {
				return
			}
		}
	}
}
