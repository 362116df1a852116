package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCallLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	call := &Call{UUID: "u-1", InitiatorID: 1, TargetID: 2, Video: true, Status: CallRinging, StartedAt: time.Now()}
	if err := m.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if call.ID == 0 {
		t.Fatal("CreateCall did not assign an id")
	}

	call.Status = CallActive
	if err := m.UpdateCall(ctx, call); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}

	got, err := m.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Status != CallActive {
		t.Errorf("status = %q, want %q", got.Status, CallActive)
	}

	// Returned rows are copies; mutating them must not affect the store.
	got.Status = CallFailed
	again, _ := m.GetCall(ctx, call.ID)
	if again.Status != CallActive {
		t.Errorf("store row mutated through returned copy")
	}

	if _, err := m.GetCall(ctx, 999); err != ErrNotFound {
		t.Errorf("GetCall(999) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryParticipants(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := &CallParticipant{CallID: 7, UserID: 2, Status: ParticipantRinging}
	if err := m.AddParticipant(ctx, p); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	now := time.Now()
	p.Status = ParticipantJoined
	p.JoinedAt = &now
	if err := m.UpdateParticipant(ctx, p); err != nil {
		t.Fatalf("UpdateParticipant: %v", err)
	}

	rows := m.Participants(7)
	if len(rows) != 1 || rows[0].Status != ParticipantJoined {
		t.Errorf("participants = %+v", rows)
	}

	if err := m.UpdateParticipant(ctx, &CallParticipant{CallID: 7, UserID: 99}); err != ErrNotFound {
		t.Errorf("UpdateParticipant(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryJoinRequests(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	req := &JoinRequest{ID: "jr-1", MeetingID: 3, UserID: 5, ConnectionID: "c-1", Status: JoinRequestPending}
	if err := m.CreateJoinRequest(ctx, req); err != nil {
		t.Fatalf("CreateJoinRequest: %v", err)
	}

	found, err := m.FindJoinRequest(ctx, 3, 5)
	if err != nil {
		t.Fatalf("FindJoinRequest: %v", err)
	}
	if found.ID != "jr-1" {
		t.Errorf("found id = %q", found.ID)
	}

	found.Status = JoinRequestApproved
	if err := m.UpdateJoinRequest(ctx, found); err != nil {
		t.Fatalf("UpdateJoinRequest: %v", err)
	}
	got, _ := m.GetJoinRequest(ctx, "jr-1")
	if got.Status != JoinRequestApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}

	if _, err := m.FindJoinRequest(ctx, 3, 99); err != ErrNotFound {
		t.Errorf("FindJoinRequest(no match) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryCredentialCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetCredential(ctx, 1); err != ErrNotFound {
		t.Fatalf("GetCredential(empty) err = %v, want ErrNotFound", err)
	}

	row := &CredentialRow{UserID: 1, Username: "123:1", Credential: "abc", ExpiresAt: time.Now().Add(time.Hour)}
	if err := m.PutCredential(ctx, row); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	got, err := m.GetCredential(ctx, 1)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Username != "123:1" || got.Credential != "abc" {
		t.Errorf("row = %+v", got)
	}
}
