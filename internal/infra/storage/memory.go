package storage

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// MemoryStore 内存存储实现（开发模式与单元测试用）
// 全部操作在单一互斥锁下执行，天然满足承诺查重的原子性要求
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*SigningSession
	byValue    map[string]*NonceCommitment            // 承诺值（hex）→ 记录，全局唯一索引
	bySession  map[string]map[string]*NonceCommitment // sessionID → participantID → 记录
	ordered    []*NonceCommitment                      // 插入顺序（子集按到达顺序选取）
	partials   map[string]map[string]*PartialSignature
	approvals  map[string]map[string]*HardwareApproval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*SigningSession),
		byValue:   make(map[string]*NonceCommitment),
		bySession: make(map[string]map[string]*NonceCommitment),
		partials:  make(map[string]map[string]*PartialSignature),
		approvals: make(map[string]map[string]*HardwareApproval),
	}
}

func cloneSession(s *SigningSession) *SigningSession {
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.ActiveSigners = append([]string(nil), s.ActiveSigners...)
	out.MessageHash = append([]byte(nil), s.MessageHash...)
	out.FinalSignature = append([]byte(nil), s.FinalSignature...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func stateIn(state string, states []string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (m *MemoryStore) InsertSession(ctx context.Context, session *SigningSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.GroupID == session.GroupID &&
			hex.EncodeToString(existing.MessageHash) == hex.EncodeToString(session.MessageHash) &&
			!stateIn(existing.State, terminalStatesMemory) {
			return ErrActiveSessionExists
		}
	}

	m.sessions[session.SessionID] = cloneSession(session)
	return nil
}

// terminalStatesMemory 与 session 包的终态集合保持一致；存储层不引入反向依赖
var terminalStatesMemory = []string{"completed", "failed", "expired"}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SigningSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateSessionCAS(ctx context.Context, session *SigningSession, expectedStates []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[session.SessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if !stateIn(current.State, expectedStates) {
		return false, nil
	}

	m.sessions[session.SessionID] = cloneSession(session)
	return true, nil
}

func (m *MemoryStore) ListOverdueSessions(ctx context.Context, now time.Time, states []string) ([]*SigningSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SigningSession
	for _, s := range m.sessions {
		if stateIn(s.State, states) && s.Deadline.Before(now) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time, terminalStates []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if stateIn(s.State, terminalStates) && s.PhaseChangedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) InsertCommitment(ctx context.Context, commitment *NonceCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	valueKey := hex.EncodeToString(commitment.Commitment)
	if _, reused := m.byValue[valueKey]; reused {
		return ErrNonceValueReused
	}

	perSession := m.bySession[commitment.SessionID]
	if perSession == nil {
		perSession = make(map[string]*NonceCommitment)
		m.bySession[commitment.SessionID] = perSession
	}
	if _, exists := perSession[commitment.ParticipantID]; exists {
		return ErrCommitmentExists
	}

	stored := *commitment
	stored.Commitment = append([]byte(nil), commitment.Commitment...)
	m.byValue[valueKey] = &stored
	perSession[commitment.ParticipantID] = &stored
	m.ordered = append(m.ordered, &stored)
	return nil
}

func (m *MemoryStore) GetCommitment(ctx context.Context, sessionID, participantID string) (*NonceCommitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.bySession[sessionID][participantID]; ok {
		out := *c
		return &out, nil
	}
	return nil, ErrCommitmentNotFound
}

func (m *MemoryStore) ListCommitments(ctx context.Context, sessionID string) ([]*NonceCommitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*NonceCommitment
	for _, c := range m.ordered {
		if c.SessionID != sessionID {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (m *MemoryStore) CountCommitments(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession[sessionID]), nil
}

func (m *MemoryStore) MarkCommitmentUsed(ctx context.Context, commitment []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byValue[hex.EncodeToString(commitment)]
	if !ok {
		return ErrCommitmentNotFound
	}
	if c.Used {
		return ErrNonceAlreadyUsed
	}
	c.Used = true
	return nil
}

func (m *MemoryStore) InsertPartialSignature(ctx context.Context, partial *PartialSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	perSession := m.partials[partial.SessionID]
	if perSession == nil {
		perSession = make(map[string]*PartialSignature)
		m.partials[partial.SessionID] = perSession
	}
	if _, exists := perSession[partial.ParticipantID]; exists {
		return ErrPartialSigExists
	}

	stored := *partial
	stored.Partial = append([]byte(nil), partial.Partial...)
	perSession[partial.ParticipantID] = &stored
	return nil
}

func (m *MemoryStore) ListPartialSignatures(ctx context.Context, sessionID string) ([]*PartialSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PartialSignature
	for _, p := range m.partials[sessionID] {
		pp := *p
		out = append(out, &pp)
	}
	return out, nil
}

func (m *MemoryStore) UpsertApproval(ctx context.Context, approval *HardwareApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	perSession := m.approvals[approval.SessionID]
	if perSession == nil {
		perSession = make(map[string]*HardwareApproval)
		m.approvals[approval.SessionID] = perSession
	}

	stored := *approval
	perSession[approval.ApproverID] = &stored
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, sessionID, approverID string) (*HardwareApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.approvals[sessionID][approverID]; ok {
		out := *a
		return &out, nil
	}
	return nil, ErrApprovalNotFound
}

func (m *MemoryStore) ListApprovals(ctx context.Context, sessionID string) ([]*HardwareApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*HardwareApproval
	for _, a := range m.approvals[sessionID] {
		aa := *a
		out = append(out, &aa)
	}
	return out, nil
}
