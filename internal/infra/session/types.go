package session

import (
	"github.com/pkg/errors"
)

// State 会话状态机状态
type State string

const (
	StatePending         State = "pending"
	StateNonceCollection State = "nonce_collection"
	StateSigning         State = "signing"
	StateAggregating     State = "aggregating"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateExpired         State = "expired"
)

// Terminal 是否终态；终态会话永不再变
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Event 状态机事件
type Event string

const (
	// EventParticipantsNotified 所有参与者已收到会话通知
	EventParticipantsNotified Event = "participants_notified"
	// EventThresholdCommitments 收到 k 个有效且未使用的承诺
	EventThresholdCommitments Event = "threshold_commitments"
	// EventThresholdPartials 收到 k 个有效部分签名
	EventThresholdPartials Event = "threshold_partials"
	// EventAggregateVerified 聚合签名验证通过
	EventAggregateVerified Event = "aggregate_verified"
	// EventAggregateInvalid 聚合签名验证失败
	EventAggregateInvalid Event = "aggregate_invalid"
	// EventDeadlineExceeded 截止时间已过
	EventDeadlineExceeded Event = "deadline_exceeded"
	// EventUnrecoverableError 不可恢复错误（含 MFA 阻断、nonce 复用中止）
	EventUnrecoverableError Event = "unrecoverable_error"
	// EventAdminAbort 管理员显式中止
	EventAdminAbort Event = "admin_abort"
)

var (
	ErrInvalidThreshold       = errors.New("threshold must be between 1 and the number of participants")
	ErrInvalidParticipants    = errors.New("participant set is empty or contains duplicates")
	ErrInvalidMessageHash     = errors.New("message hash must be a 32 byte digest")
	ErrDuplicateMessage       = errors.New("an active session already exists for this group and message")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSessionTerminal        = errors.New("session is already in a terminal state")
)

// transitions 状态迁移表；(state, event) 全函数，表外组合一律拒绝
var transitions = map[State]map[Event]State{
	StatePending: {
		EventParticipantsNotified: StateNonceCollection,
		EventDeadlineExceeded:     StateExpired,
		EventUnrecoverableError:   StateFailed,
		EventAdminAbort:           StateFailed,
	},
	StateNonceCollection: {
		EventThresholdCommitments: StateSigning,
		EventDeadlineExceeded:     StateExpired,
		EventUnrecoverableError:   StateFailed,
		EventAdminAbort:           StateFailed,
	},
	StateSigning: {
		EventThresholdPartials:  StateAggregating,
		EventDeadlineExceeded:   StateExpired,
		EventUnrecoverableError: StateFailed,
		EventAdminAbort:         StateFailed,
	},
	StateAggregating: {
		EventAggregateVerified:  StateCompleted,
		EventAggregateInvalid:   StateFailed,
		EventDeadlineExceeded:   StateExpired,
		EventUnrecoverableError: StateFailed,
		EventAdminAbort:         StateFailed,
	},
}

// Next 查迁移表；终态或非法 (state, event) 组合返回 ErrInvalidStateTransition
func Next(current State, event Event) (State, error) {
	if current.Terminal() {
		return "", errors.Wrapf(ErrInvalidStateTransition, "session is terminal in state %s", current)
	}
	next, ok := transitions[current][event]
	if !ok {
		return "", errors.Wrapf(ErrInvalidStateTransition, "event %s not allowed in state %s", event, current)
	}
	return next, nil
}

// ActiveStates 非终态集合（存储层查询用）
func ActiveStates() []string {
	return []string{
		string(StatePending),
		string(StateNonceCollection),
		string(StateSigning),
		string(StateAggregating),
	}
}

// TerminalStates 终态集合
func TerminalStates() []string {
	return []string{
		string(StateCompleted),
		string(StateFailed),
		string(StateExpired),
	}
}

// 失败原因码（稳定对外错误码的一部分）
const (
	FailureReasonAggregationVerificationFailed = "AggregationVerificationFailed"
	FailureReasonMfaGateBlocked                = "MfaGateBlocked"
	FailureReasonNonceReuseDetected            = "NonceReuseDetected"
	FailureReasonAdminAborted                  = "AdminAborted"
)
