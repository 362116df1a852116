package store

import (
	"context"
	"sync"
)

// Memory is an in-process implementation of the store interfaces. It backs
// tests and single-node deployments; production deployments are expected to
// substitute the real persistence service behind the same interfaces.
type Memory struct {
	mu           sync.Mutex
	nextCallID   int64
	calls        map[int64]*Call
	participants map[int64][]*CallParticipant
	meetings     map[string]*Meeting
	joinRequests map[string]*JoinRequest
	credentials  map[int64]*CredentialRow
}

func NewMemory() *Memory {
	return &Memory{
		calls:        make(map[int64]*Call),
		participants: make(map[int64][]*CallParticipant),
		meetings:     make(map[string]*Meeting),
		joinRequests: make(map[string]*JoinRequest),
		credentials:  make(map[int64]*CredentialRow),
	}
}

func (m *Memory) CreateCall(ctx context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCallID++
	call.ID = m.nextCallID
	cp := *call
	m.calls[call.ID] = &cp
	return nil
}

func (m *Memory) GetCall(ctx context.Context, id int64) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *call
	return &cp, nil
}

func (m *Memory) UpdateCall(ctx context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.ID]; !ok {
		return ErrNotFound
	}
	cp := *call
	m.calls[call.ID] = &cp
	return nil
}

func (m *Memory) AddParticipant(ctx context.Context, p *CallParticipant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants[p.CallID] = append(m.participants[p.CallID], &cp)
	return nil
}

func (m *Memory) UpdateParticipant(ctx context.Context, p *CallParticipant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.participants[p.CallID] {
		if existing.UserID == p.UserID {
			cp := *p
			m.participants[p.CallID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

// Participants returns the stored participant rows for a call. Test helper.
func (m *Memory) Participants(callID int64) []CallParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallParticipant, 0, len(m.participants[callID]))
	for _, p := range m.participants[callID] {
		out = append(out, *p)
	}
	return out
}

// PutMeeting seeds a meeting row. The server never creates meetings itself;
// that belongs to the CRUD service.
func (m *Memory) PutMeeting(meeting *Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *meeting
	m.meetings[meeting.Code] = &cp
}

func (m *Memory) GetMeetingByCode(ctx context.Context, code string) (*Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meeting, ok := m.meetings[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *meeting
	return &cp, nil
}

func (m *Memory) GetMeeting(ctx context.Context, id int64) (*Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meeting := range m.meetings {
		if meeting.ID == id {
			cp := *meeting
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateJoinRequest(ctx context.Context, req *JoinRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.joinRequests[req.ID] = &cp
	return nil
}

func (m *Memory) GetJoinRequest(ctx context.Context, id string) (*JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.joinRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) FindJoinRequest(ctx context.Context, meetingID, userID int64) (*JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *JoinRequest
	for _, req := range m.joinRequests {
		if req.MeetingID == meetingID && req.UserID == userID {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) UpdateJoinRequest(ctx context.Context, req *JoinRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.joinRequests[req.ID]; !ok {
		return ErrNotFound
	}
	cp := *req
	m.joinRequests[req.ID] = &cp
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, userID int64) (*CredentialRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.credentials[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *Memory) PutCredential(ctx context.Context, row *CredentialRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.credentials[row.UserID] = &cp
	return nil
}

var _ CallStore = (*Memory)(nil)
var _ MeetingStore = (*Memory)(nil)
var _ CredentialCache = (*Memory)(nil)
