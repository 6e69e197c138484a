// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagekit/webui-installer/pkg/installer"
)

func TestWSHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(discardLogger())
	go hub.Run(ctx)

	// Broadcasting without clients must not block or panic.
	hub.Broadcast("test", map[string]string{"key": "value"})
	hub.BroadcastRun(Run{ID: "test123", Status: RunStatusRunning})
	hub.BroadcastEvent(installer.ProgressEvent{Event: "stage_start", Stage: "venv_created"})
}

func TestWSHub_ClientCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(discardLogger())
	go hub.Run(ctx)

	time.Sleep(10 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("Expected 0 clients, got %d", count)
	}
}

func TestWebSocket_InitAndUpdates(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.wsHub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "init" {
		t.Fatalf("Expected init message, got %s", msg.Type)
	}
	var init struct {
		Plan []installer.PlanEntry `json:"plan"`
	}
	json.Unmarshal(msg.Data, &init)
	if len(init.Plan) != 3 {
		t.Errorf("Expected 3 planned stages, got %d", len(init.Plan))
	}

	// Wait for the hub to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for srv.wsHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.wsHub.BroadcastEvent(installer.ProgressEvent{Event: "stage_start", Stage: "venv_created"})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "event" {
		t.Fatalf("Expected event message, got %s", msg.Type)
	}
	var ev installer.ProgressEvent
	json.Unmarshal(msg.Data, &ev)
	if ev.Stage != "venv_created" {
		t.Errorf("Expected venv_created, got %s", ev.Stage)
	}
}
