// Package main implements a standalone end-to-end integration test for the
// TripMate realtime server. It validates the full user journey against a
// running stack: health checks, WebSocket handshake, presence, direct
// messaging with notifications, typing, read receipts, trip chat, disconnect
// and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tripmate/realtime/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// env is shared by the scenarios.
type env struct {
	wsURL   string
	apiBase string
	userA   int64
	userB   int64
	tripID  int64
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	userA := flag.Int64("user-a", 3, "ID of the sending user")
	userB := flag.Int64("user-b", 7, "ID of the receiving user")
	tripID := flag.Int64("trip", 42, "Trip ID used for the group chat scenario")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== TripMate Realtime E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := env{wsURL: *wsURL, apiBase: *apiBase, userA: *userA, userB: *userB, tripID: *tripID}

	var results []scenarioResult
	results = append(results, scenario1HealthCheck(ctx, e))
	results = append(results, scenario2ConnectHandshake(ctx, e))
	results = append(results, scenarioJourney(ctx, e)...)

	// Optional scenarios (non-fatal).
	results = append(results, scenarioRateLimiting(ctx, e))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, e env) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGetBody(ctx, e.apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status %q", health.Status)}
	}

	metricsBody, err := httpGetBody(ctx, e.apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "tripmate_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing tripmate_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d online=%d", health.Connections, health.OnlineUsers)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, e env) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	c, err := connect(connCtx, e.wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ping: %v", err)}
	}
	if _, err := c.Expect(connCtx, client.TypePong, nil); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	if err := c.Send(map[string]string{"type": "no_such_event"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}
	if _, err := c.Expect(connCtx, client.TypeError, hasField("code", "unsupported_type")); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("session=%s", truncateID(c.SessionID()))}
}

// ---------------------------------------------------------------------------
// Scenarios 3-8: the two-user journey
// ---------------------------------------------------------------------------

// scenarioJourney walks two users through presence, direct messaging,
// typing, read receipts, trip chat and disconnect. Later steps are skipped
// when an earlier one fails.
func scenarioJourney(ctx context.Context, e env) []scenarioResult {
	names := []string{
		"Scenario 3: Presence",
		"Scenario 4: Direct Message",
		"Scenario 5: Typing Indicator",
		"Scenario 6: Mark Read",
		"Scenario 7: Trip Chat",
		"Scenario 8: Disconnect",
	}
	results := make([]scenarioResult, 0, len(names))
	fail := func(detail string) []scenarioResult {
		results = append(results, scenarioResult{names[len(results)], resultFail, detail})
		for len(results) < len(names) {
			results = append(results, scenarioResult{names[len(results)], resultFail, "skipped"})
		}
		return results
	}
	pass := func(detail string) {
		results = append(results, scenarioResult{names[len(results)], resultPass, detail})
	}

	stepCtx, stepCancel := context.WithTimeout(ctx, 30*time.Second)
	defer stepCancel()

	clientA, err := connect(stepCtx, e.wsURL)
	if err != nil {
		return fail("client A: " + err.Error())
	}
	defer clientA.Close()
	clientB, err := connect(stepCtx, e.wsURL)
	if err != nil {
		return fail("client B: " + err.Error())
	}
	defer clientB.Close()

	// --- Presence ---
	if err := clientA.Announce(e.userA); err != nil {
		return fail(err.Error())
	}
	raw, err := clientA.Expect(stepCtx, client.TypeOnlineUsers, nil)
	if err != nil {
		return fail(err.Error())
	}
	var online struct {
		UserIDs []int64 `json:"userIds"`
	}
	if err := json.Unmarshal(raw, &online); err != nil || !containsID(online.UserIDs, e.userA) {
		return fail(fmt.Sprintf("online_users %s does not list user %d", raw, e.userA))
	}
	if err := clientB.Announce(e.userB); err != nil {
		return fail(err.Error())
	}
	if _, err := clientA.Expect(stepCtx, client.TypeUserStatus, statusFor(e.userB, "online")); err != nil {
		return fail(err.Error())
	}
	pass(fmt.Sprintf("online=%d", len(online.UserIDs)))

	// --- Direct message ---
	if err := clientA.JoinConversation(e.userA, e.userB); err != nil {
		return fail(err.Error())
	}
	if err := clientB.JoinConversation(e.userB, e.userA); err != nil {
		return fail(err.Error())
	}
	// Joins are not acknowledged; a ping round trip orders them before the send.
	for _, c := range []*client.Client{clientA, clientB} {
		if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
			return fail(err.Error())
		}
		if _, err := c.Expect(stepCtx, client.TypePong, nil); err != nil {
			return fail(err.Error())
		}
	}

	text := fmt.Sprintf("Hi %d", time.Now().UnixNano())
	if err := clientA.SendDirect(e.userA, e.userB, text); err != nil {
		return fail(err.Error())
	}
	for label, c := range map[string]*client.Client{"A": clientA, "B": clientB} {
		if _, err := c.Expect(stepCtx, client.TypeNewMessage, hasField("message", text)); err != nil {
			return fail(fmt.Sprintf("client %s: %v", label, err))
		}
	}
	raw, err = clientB.Expect(stepCtx, client.TypeNotification, nil)
	if err != nil {
		return fail(err.Error())
	}
	var frame struct {
		Notification struct {
			Type string `json:"type"`
			Data struct {
				ConversationID int64  `json:"conversation_id"`
				Message        string `json:"message"`
			} `json:"data"`
		} `json:"notification"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Notification.Type != "message" || frame.Notification.Data.Message != text {
		return fail(fmt.Sprintf("notification payload %s", raw))
	}
	notif := frame.Notification
	if _, err := clientB.Expect(stepCtx, client.TypeMessageNotification, nil); err != nil {
		return fail(err.Error())
	}

	var conv struct {
		ID          int64   `json:"id"`
		LastMessage *string `json:"last_message"`
	}
	if err := apiData(stepCtx, e.apiBase+fmt.Sprintf("/api/messages/conversation/%d/%d", e.userB, e.userA), &conv); err != nil {
		return fail(err.Error())
	}
	if conv.ID != notif.Data.ConversationID || conv.LastMessage == nil || *conv.LastMessage != text {
		return fail(fmt.Sprintf("conversation summary id=%d last=%v", conv.ID, conv.LastMessage))
	}
	pass(fmt.Sprintf("conversation=%d", conv.ID))

	// --- Typing ---
	typing := map[string]interface{}{"type": client.TypeTyping, "senderId": e.userA, "receiverId": e.userB}
	if err := clientA.Send(typing); err != nil {
		return fail(err.Error())
	}
	if _, err := clientB.Expect(stepCtx, client.TypeUserTyping, hasNumber("userId", e.userA)); err != nil {
		return fail(err.Error())
	}
	typing["type"] = client.TypeStopTyping
	if err := clientA.Send(typing); err != nil {
		return fail(err.Error())
	}
	if _, err := clientB.Expect(stepCtx, client.TypeUserStopTyping, hasNumber("userId", e.userA)); err != nil {
		return fail(err.Error())
	}
	pass("")

	// --- Mark read ---
	if err := clientB.Send(map[string]interface{}{
		"type":           client.TypeMarkRead,
		"conversationId": conv.ID,
		"userId":         e.userB,
	}); err != nil {
		return fail(err.Error())
	}
	unread, err := waitUnread(stepCtx, e, conv.ID)
	if err != nil {
		return fail(err.Error())
	}
	if unread != 0 {
		return fail(fmt.Sprintf("unread_count=%d after mark_read", unread))
	}
	pass("")

	// --- Trip chat ---
	for _, c := range []*client.Client{clientA, clientB} {
		if err := c.Send(map[string]interface{}{"type": client.TypeJoinTrip, "tripId": e.tripID}); err != nil {
			return fail(err.Error())
		}
		if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
			return fail(err.Error())
		}
		if _, err := c.Expect(stepCtx, client.TypePong, nil); err != nil {
			return fail(err.Error())
		}
	}
	tripText := fmt.Sprintf("Meet at the station %d", time.Now().Unix())
	var stored struct {
		ID int64 `json:"id"`
	}
	if err := apiPost(stepCtx, e.apiBase+fmt.Sprintf("/api/trips/%d/messages", e.tripID),
		map[string]interface{}{"sender_id": e.userA, "message": tripText}, &stored); err != nil {
		return fail(err.Error())
	}
	if err := clientA.Send(map[string]interface{}{
		"type":       client.TypeSendTripMessage,
		"id":         stored.ID,
		"tripId":     e.tripID,
		"senderId":   e.userA,
		"senderName": "E2E",
		"message":    tripText,
	}); err != nil {
		return fail(err.Error())
	}
	for label, c := range map[string]*client.Client{"A": clientA, "B": clientB} {
		if _, err := c.Expect(stepCtx, client.TypeNewTripMessage, hasNumber("id", stored.ID)); err != nil {
			return fail(fmt.Sprintf("client %s: %v", label, err))
		}
	}
	pass(fmt.Sprintf("trip_message=%d", stored.ID))

	// --- Disconnect ---
	clientB.Close()
	if _, err := clientA.Expect(stepCtx, client.TypeUserStatus, statusFor(e.userB, "offline")); err != nil {
		return fail(err.Error())
	}
	pass("")

	return results
}

// ---------------------------------------------------------------------------
// Scenario 9: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenarioRateLimiting(ctx context.Context, e env) scenarioResult {
	name := "Scenario 9: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 15*time.Second)
	defer scenarioCancel()

	c, err := connect(scenarioCtx, e.wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	// The sender is a fresh ID so earlier scenarios do not eat into its quota.
	sender := e.userA + 1_000_000
	sentCount := 0
	for i := 0; i < 10; i++ {
		if err := c.SendDirect(sender, e.userB, fmt.Sprintf("rapid message %d", i+1)); err != nil {
			break
		}
		sentCount++
	}

	raw, err := c.Expect(scenarioCtx, client.TypeRateLimited, nil)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited received after %d messages (rate limiting may be disabled)", sentCount)}
	}
	return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d messages: %s", sentCount, raw)}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func connect(ctx context.Context, wsURL string) (*client.Client, error) {
	c, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return c, nil
}

// hasField matches frames whose top-level string field equals want.
func hasField(field, want string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return false
		}
		got, _ := m[field].(string)
		return got == want
	}
}

// hasNumber matches frames whose top-level numeric field equals want.
func hasNumber(field string, want int64) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			return false
		}
		n, ok := m[field].(json.Number)
		if !ok {
			return false
		}
		got, err := n.Int64()
		return err == nil && got == want
	}
}

func statusFor(userID int64, status string) func(json.RawMessage) bool {
	byUser := hasNumber("userId", userID)
	byStatus := hasField("status", status)
	return func(raw json.RawMessage) bool { return byUser(raw) && byStatus(raw) }
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// waitUnread polls the conversation list of user B until the conversation
// shows up, returning its unread count. mark_read has no acknowledgement.
func waitUnread(ctx context.Context, e env, conversationID int64) (int, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		var rows []struct {
			ID          int64 `json:"id"`
			UnreadCount int   `json:"unread_count"`
		}
		if err := apiData(ctx, e.apiBase+fmt.Sprintf("/api/messages/user/%d", e.userB), &rows); err != nil {
			return 0, err
		}
		for _, r := range rows {
			if r.ID == conversationID && (r.UnreadCount == 0 || time.Now().After(deadline)) {
				return r.UnreadCount, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("conversation %d not listed for user %d", conversationID, e.userB)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// apiData GETs url and decodes the "data" member of the response envelope.
func apiData(ctx context.Context, url string, out interface{}) error {
	body, err := httpGetBody(ctx, url)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

// apiPost POSTs payload as JSON and decodes the "data" member of the
// response envelope.
func apiPost(ctx context.Context, url string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, body)
	}
	return decodeEnvelope(body, out)
}

func decodeEnvelope(body []byte, out interface{}) error {
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("request not successful: %s", body)
	}
	return json.Unmarshal(envelope.Data, out)
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
