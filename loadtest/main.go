package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type loadTest struct {
	baseURL  string
	wsURL    string
	msgCount int
	log      *zap.Logger

	sent     atomic.Int64
	received atomic.Int64
	refused  atomic.Int64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 10, "number of user pairs; the server admits 20 connections by default")
	msgs := flag.Int("msgs", 20, "messages per user")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	lt := &loadTest{
		baseURL:  strings.TrimRight(*baseURL, "/"),
		wsURL:    "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws",
		msgCount: *msgs,
		log:      logger,
	}

	logger.Info("starting load test", zap.Int("users", *pairs*2), zap.Int("msgs_per_user", *msgs))
	start := time.Now()

	// Pair i: user u_i_a talks to u_i_b.
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			lt.runPair(pairID)
		}(i)
	}
	wg.Wait()

	logger.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", lt.sent.Load()),
		zap.Int64("received", lt.received.Load()),
		zap.Int64("refused", lt.refused.Load()),
	)
}

func (lt *loadTest) runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := lt.authenticate(userA, pass)
	if err != nil {
		lt.log.Warn("login failed", zap.String("user", userA), zap.Error(err))
		return
	}
	b, err := lt.authenticate(userB, pass)
	if err != nil {
		lt.log.Warn("login failed", zap.String("user", userB), zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go lt.chat(&wg, a, b.ID)
	go lt.chat(&wg, b, a.ID)
	wg.Wait()
}

// authenticate registers (ignoring conflicts) and logs in.
func (lt *loadTest) authenticate(username, password string) (AuthResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := lt.postJSON("/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := lt.postJSON("/login", creds)
	if err != nil {
		return AuthResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AuthResponse{}, fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, err
	}
	return data, nil
}

func (lt *loadTest) chat(wg *sync.WaitGroup, me AuthResponse, peerID int) {
	defer wg.Done()
	log := lt.log.With(zap.String("user", me.Username))

	conn, _, err := websocket.DefaultDialer.Dial(lt.wsURL, nil)
	if err != nil {
		log.Warn("dial failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The token doubles as a credential for the in-band auth frame.
	if err := conn.WriteJSON(map[string]string{"type": "auth", "username": me.Username, "credential": me.Token}); err != nil {
		log.Warn("auth write failed", zap.Error(err))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev struct {
				Type string `json:"type"`
				Code string `json:"code"`
			}
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Type {
			case "new_message":
				lt.received.Add(1)
			case "error", "auth_error":
				if ev.Code == "capacity_exceeded" {
					lt.refused.Add(1)
				}
				log.Debug("server error", zap.String("code", ev.Code))
			}
		}
	}()

	for i := 0; i < lt.msgCount; i++ {
		err := conn.WriteJSON(map[string]any{
			"type":        "send_message",
			"recipientId": peerID,
			"content":     fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
		})
		if err != nil {
			log.Warn("send failed", zap.Error(err))
			break
		}
		lt.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	// Leave time for the peer's last messages to arrive.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	log.Info("finished", zap.Int("msgs", lt.msgCount))
}

func (lt *loadTest) postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(lt.baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
