package identity

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/pkg/errors"
)

// GroupConfig 单个签名群的静态配置
type GroupConfig struct {
	PublicKey    string            `json:"public_key"`   // 33 字节压缩点，hex
	Participants map[string]string `json:"participants"` // participant_id → 33 字节压缩点 hex
	Policy       PolicyConfig      `json:"policy"`
}

type PolicyConfig struct {
	Mode              string   `json:"mode"`
	ApproverIDs       []string `json:"approver_ids"`
	ApproverThreshold int      `json:"approver_threshold"`
	AmountLimit       uint64   `json:"amount_limit"`
}

type groupsFile struct {
	Groups map[string]GroupConfig `json:"groups"`
}

var (
	ErrUnknownGroup       = errors.New("group is not configured")
	ErrUnknownParticipant = errors.New("participant is not configured for group")
)

// StaticResolver 文件配置的身份解析器。群成员与密钥在部署时固定，
// 热更新通过 Reload 完成
type StaticResolver struct {
	mu     sync.RWMutex
	groups map[string]GroupConfig
	path   string
}

func NewStaticResolver(groups map[string]GroupConfig) *StaticResolver {
	if groups == nil {
		groups = make(map[string]GroupConfig)
	}
	return &StaticResolver{groups: groups}
}

// NewStaticResolverFromFile 从 JSON 配置文件加载
func NewStaticResolverFromFile(path string) (*StaticResolver, error) {
	r := &StaticResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StaticResolver) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read groups file %s", r.path)
	}
	var parsed groupsFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrapf(err, "failed to parse groups file %s", r.path)
	}
	r.mu.Lock()
	r.groups = parsed.Groups
	r.mu.Unlock()
	return nil
}

// RegisterGroup 注册或覆盖群配置（测试与开发用）
func (r *StaticResolver) RegisterGroup(groupID string, cfg GroupConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = cfg
}

func (r *StaticResolver) group(groupID string) (GroupConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.groups[groupID]
	if !ok {
		return GroupConfig{}, errors.Wrapf(ErrUnknownGroup, "group %s", groupID)
	}
	return cfg, nil
}

func (r *StaticResolver) GroupPublicKey(ctx context.Context, groupID string) ([]byte, error) {
	cfg, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(cfg.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed group public key for group %s", groupID)
	}
	return key, nil
}

func (r *StaticResolver) ParticipantPublicKey(ctx context.Context, groupID, participantID string) ([]byte, error) {
	cfg, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	encoded, ok := cfg.Participants[participantID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownParticipant, "participant %s in group %s", participantID, groupID)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed public key for participant %s", participantID)
	}
	return key, nil
}

func (r *StaticResolver) GroupPolicy(ctx context.Context, groupID string) (*mfa.Policy, error) {
	cfg, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	mode := mfa.Mode(cfg.Policy.Mode)
	if mode == "" {
		mode = mfa.ModeDisabled
	}
	return &mfa.Policy{
		Mode:              mode,
		ApproverIDs:       append([]string(nil), cfg.Policy.ApproverIDs...),
		ApproverThreshold: cfg.Policy.ApproverThreshold,
		AmountLimit:       cfg.Policy.AmountLimit,
	}, nil
}

// IsParticipant 参与者是否属于群
func (r *StaticResolver) IsParticipant(ctx context.Context, groupID, participantID string) bool {
	cfg, err := r.group(groupID)
	if err != nil {
		return false
	}
	_, ok := cfg.Participants[participantID]
	return ok
}
