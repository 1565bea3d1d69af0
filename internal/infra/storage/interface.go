package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// 持久化层接口与记录类型。三张概念表：
// signing_sessions（会话状态机）、nonce_commitments（全局唯一承诺）、
// hardware_approvals（按 (session, approver) 键控的硬件审批）。

var (
	ErrSessionNotFound      = errors.New("signing session not found")
	ErrActiveSessionExists  = errors.New("active session already exists for group and message")
	ErrCommitmentExists     = errors.New("nonce commitment already recorded for participant")
	ErrNonceValueReused     = errors.New("nonce commitment value already recorded by another session")
	ErrCommitmentNotFound   = errors.New("nonce commitment not found")
	ErrNonceAlreadyUsed     = errors.New("nonce commitment already marked used")
	ErrPartialSigExists     = errors.New("partial signature already recorded for participant")
	ErrApprovalNotFound     = errors.New("hardware approval not found")
)

// SigningSession 签名会话记录
type SigningSession struct {
	SessionID      string
	GroupID        string
	MessageHash    []byte
	Participants   []string // 有序参与者列表，索引+1 即曲线层参与者索引
	Threshold      int
	Amount         uint64 // 操作金额（最小单位），金额型 MFA 策略使用
	State          string
	ActiveSigners  []string // 进入 signing 阶段时选定的 k 子集
	FinalSignature []byte   // 仅 completed 状态非空
	FailureReason  string   // 仅 failed 状态非空
	CreatedAt      time.Time
	PhaseChangedAt time.Time
	Deadline       time.Time
	CompletedAt    *time.Time
}

// NonceCommitment 参与者第一轮承诺记录
type NonceCommitment struct {
	SessionID     string
	ParticipantID string
	Commitment    []byte // 33 字节压缩点，全表唯一
	Used          bool
	CreatedAt     time.Time
}

// PartialSignature 参与者第二轮部分签名记录
type PartialSignature struct {
	SessionID     string
	ParticipantID string
	Partial       []byte // 32 字节标量
	CreatedAt     time.Time
}

// HardwareApproval 硬件审批记录（生命周期独立于会话，按会话键控）
type HardwareApproval struct {
	SessionID    string
	ApproverID   string
	PublicKey    []byte
	Signature    []byte
	ApprovedAt   time.Time
	Passed       bool
	FailureCount int
	UpdatedAt    time.Time
}

// SigningStore 协调器持久化接口
type SigningStore interface {
	// 会话：插入时对 (group_id, message_hash) 的活跃会话做唯一性检查
	InsertSession(ctx context.Context, session *SigningSession) error
	GetSession(ctx context.Context, sessionID string) (*SigningSession, error)
	// UpdateSessionCAS 仅当当前状态属于 expectedStates 时整行更新（CAS 语义）
	UpdateSessionCAS(ctx context.Context, session *SigningSession, expectedStates []string) (bool, error)
	// ListOverdueSessions 列出截止时间早于 now 且状态属于 states 的会话
	ListOverdueSessions(ctx context.Context, now time.Time, states []string) ([]*SigningSession, error)
	// DeleteTerminalSessionsBefore 删除 phase_changed_at 早于 cutoff 的终态会话，返回删除数
	DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time, terminalStates []string) (int, error)

	// 承诺：插入必须是跨全表的原子查重（承诺值全局唯一 + (session, participant) 唯一）
	InsertCommitment(ctx context.Context, commitment *NonceCommitment) error
	GetCommitment(ctx context.Context, sessionID, participantID string) (*NonceCommitment, error)
	ListCommitments(ctx context.Context, sessionID string) ([]*NonceCommitment, error)
	CountCommitments(ctx context.Context, sessionID string) (int, error)
	// MarkCommitmentUsed 恰好一次置位 used 标志
	MarkCommitmentUsed(ctx context.Context, commitment []byte) error

	// 部分签名
	InsertPartialSignature(ctx context.Context, partial *PartialSignature) error
	ListPartialSignatures(ctx context.Context, sessionID string) ([]*PartialSignature, error)

	// 硬件审批
	UpsertApproval(ctx context.Context, approval *HardwareApproval) error
	GetApproval(ctx context.Context, sessionID, approverID string) (*HardwareApproval, error)
	ListApprovals(ctx context.Context, sessionID string) ([]*HardwareApproval, error)
}

// SessionCache 会话状态缓存接口（Redis，多实例部署用）
type SessionCache interface {
	SaveSession(ctx context.Context, session *SigningSession, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*SigningSession, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// ReserveCommitment SETNX 式承诺值预占，跨实例先行挡下重复值
	ReserveCommitment(ctx context.Context, commitment []byte) (bool, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}
