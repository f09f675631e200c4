//go:build ignore

// Tails delivery outcomes from a running feedbackhub.
//
//	go run scripts/ws_client.go -token admin -project p1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type deliveryEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func main() {
	addr := flag.String("addr", "localhost:8080", "API host:port")
	token := flag.String("token", "admin", "bearer token")
	project := flag.String("project", "", "project to watch (admins only; empty watches all)")
	flag.Parse()

	q := url.Values{"access_token": {*token}}
	if *project != "" {
		q.Set("projectId", *project)
	}
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/v1/admin/streams/deliveries", RawQuery: q.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial: ", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg wsMessage
			if err := c.ReadJSON(&msg); err != nil {
				log.Println("read:", err)
				return
			}
			switch msg.Type {
			case "connection_ack":
				log.Printf("connected to %s", u.Host)
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			case "next":
				var evt deliveryEvent
				if err := json.Unmarshal(msg.Payload, &evt); err != nil {
					log.Println("decode:", err)
					continue
				}
				fmt.Printf("%s %-20s delivery=%v event=%v attempt=%v/%v http=%v\n",
					time.Now().Format(time.TimeOnly), evt.Type,
					evt.Data["id"], evt.Data["eventId"], evt.Data["attemptCount"], evt.Data["maxAttempts"], evt.Data["httpStatus"])
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
