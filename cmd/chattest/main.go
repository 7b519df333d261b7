// Package main provides a stress testing tool for the realtime WebSocket gateway.
//
// Each client connects as a seeded user, pairs with the next user id and
// exchanges typing and sendMessage frames with it. Tokens are minted locally
// with the server's JWT secret.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"agora/internal/middleware"

	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	FramesSent           int64
	FramesReceived       int64
	ErrorFrames          int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", "your-secret-key-change-in-production", "JWT secret the server verifies with")
	firstUser := flag.Uint("first-user", 1, "First seeded user id to connect as")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	interval := flag.Duration("interval", 2*time.Second, "Delay between message rounds per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	if *clients < 2 {
		log.Fatal("❌ Need at least 2 clients to pair conversations")
	}

	log.Printf("🚀 Starting Chat Stress Test")
	log.Printf("Target: %s", *host)
	log.Printf("Clients: %d (users %d..%d)", *clients, *firstUser, *firstUser+uint(*clients)-1)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		userID := *firstUser + uint(i)
		peerID := *firstUser + uint((i+1)%*clients)
		token, err := middleware.IssueToken(*secret, userID, *duration+time.Minute)
		if err != nil {
			log.Fatalf("❌ Token minting failed: %v", err)
		}

		wg.Add(1)
		go runClient(*host, token, userID, peerID, *interval, stopChan, &wg)
		time.Sleep(20 * time.Millisecond) // Stagger connections
	}

	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func dmKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

func runClient(host, token string, userID, peerID uint, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Printf("client %d: dial failed: %v", userID, err)
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Read loop
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.FramesReceived, 1)

			var in struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &in) == nil && in.Type == "error" {
				atomic.AddInt64(&metrics.ErrorFrames, 1)
			}
		}
	}()

	conversation := dmKey(userID, peerID)
	send := func(f frame) bool {
		msgJSON, _ := json.Marshal(f)
		if err := c.WriteMessage(websocket.TextMessage, msgJSON); err != nil {
			atomic.AddInt64(&metrics.Errors, 1)
			return false
		}
		atomic.AddInt64(&metrics.FramesSent, 1)
		return true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	round := 0
	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			round++
			ok := send(frame{Type: "typing", Payload: map[string]interface{}{
				"conversationId": conversation,
				"isTyping":       true,
			}}) && send(frame{Type: "sendMessage", Payload: map[string]interface{}{
				"receiver_id":  peerID,
				"content":      fmt.Sprintf("Stress test message %d from user %d", round, userID),
				"message_type": "text",
			}})
			if !ok {
				return
			}
		}
	}
}

func printMetrics() {
	log.Println("\n📊 Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Frames Sent: %d", atomic.LoadInt64(&metrics.FramesSent))
	log.Printf("Frames Received: %d", atomic.LoadInt64(&metrics.FramesReceived))
	log.Printf("Error Frames: %d", atomic.LoadInt64(&metrics.ErrorFrames))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
