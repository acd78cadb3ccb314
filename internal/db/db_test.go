package db

import (
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	if err != nil {
		t.Fatalf("events table not created: %v", err)
	}

	// Idempotent.
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "relay", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventTurnStarted, map[string]any{"chat_id": 456})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	if err := db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "relay" {
		t.Errorf("expected role=relay, got %v", payload["role"])
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventTurnStarted, map[string]any{"chat_id": 1})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := LogEvent(db, &parentID, EventTurnCompleted, map[string]any{"chars": 12})
	if err != nil {
		t.Fatal(err)
	}

	var storedParent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent); err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}

	var nullParent sql.NullInt64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent); err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventProcessStopped, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payload sql.NullString
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestEventLog_DefaultsParentToRoot(t *testing.T) {
	db := testDB(t)
	log := NewEventLog(db)

	rootID, err := log.Start(map[string]any{"role": "relay"})
	if err != nil {
		t.Fatal(err)
	}
	turnID := log.Log(0, EventTurnStarted, map[string]any{"user_id": 42})
	doneID := log.Log(turnID, EventTurnCompleted, nil)
	if turnID == 0 || doneID == 0 {
		t.Fatalf("expected ids, got turn=%d done=%d", turnID, doneID)
	}

	var parent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, turnID).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != rootID {
		t.Errorf("expected turn under root %d, got %d", rootID, parent)
	}
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, doneID).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != turnID {
		t.Errorf("expected completion under turn %d, got %d", turnID, parent)
	}
}

func TestEventLog_NilIsNoop(t *testing.T) {
	var log *EventLog
	if id, err := log.Start(nil); id != 0 || err != nil {
		t.Fatalf("unexpected start result: %d %v", id, err)
	}
	if id := log.Log(0, EventTurnStarted, nil); id != 0 {
		t.Fatalf("expected 0, got %d", id)
	}
}

func TestEventLog_ClosedDBReturnsZero(t *testing.T) {
	db := testDB(t)
	log := NewEventLog(db)
	db.Close()
	if id := log.Log(0, EventTurnStarted, nil); id != 0 {
		t.Fatalf("expected 0 on failure, got %d", id)
	}
}
