package frost

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// 本包实现 FROST 风格阈值 Schnorr 签名的曲线层原语（secp256k1）：
// Lagrange 系数、群承诺聚合、挑战计算、部分签名验证与最终聚合。
// 协议的消息收集与状态机由上层 coordinator/aggregate 负责，本包保持无状态。
//
// 签名方案（k-of-n，活跃子集 S）：
//   R   = Σ_{i∈S} λ_i(S)·R_i
//   c   = H(R ‖ P ‖ m)
//   z_i = r_i + c·x_i
//   s   = Σ_{i∈S} λ_i(S)·z_i
// 验证：s·G == R + c·P；单个分片验证：z_i·G == R_i + c·X_i

const (
	// CommitmentSize 承诺点长度（压缩格式）
	CommitmentSize = 33
	// ScalarSize 标量长度
	ScalarSize = 32
	// SignatureSize 最终签名长度（R 压缩点 ‖ s 标量）
	SignatureSize = CommitmentSize + ScalarSize
)

var (
	ErrInvalidCommitment  = errors.New("invalid nonce commitment point")
	ErrInvalidScalar      = errors.New("invalid scalar encoding")
	ErrInvalidSubset      = errors.New("invalid signer subset")
	ErrSubsetMissingIndex = errors.New("participant index not in signer subset")
)

// Signature 聚合后的最终签名（R 为聚合承诺点，S 为聚合标量）
type Signature struct {
	R []byte // 33 字节压缩点
	S []byte // 32 字节标量
}

// Bytes 序列化为 R ‖ S
func (sig *Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, sig.R...)
	out = append(out, sig.S...)
	return out
}

// ParseSignature 从 R ‖ S 字节反序列化签名
func ParseSignature(raw []byte) (*Signature, error) {
	if len(raw) != SignatureSize {
		return nil, errors.Errorf("invalid signature length: expected %d bytes, got %d", SignatureSize, len(raw))
	}
	sig := &Signature{
		R: append([]byte(nil), raw[:CommitmentSize]...),
		S: append([]byte(nil), raw[CommitmentSize:]...),
	}
	if _, err := parsePoint(sig.R); err != nil {
		return nil, err
	}
	if _, err := parseScalar(sig.S); err != nil {
		return nil, err
	}
	return sig, nil
}

// parsePoint 解析压缩点为 Jacobian 坐标
func parsePoint(raw []byte) (*secp256k1.JacobianPoint, error) {
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommitment, err.Error())
	}
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	return &point, nil
}

// parseScalar 解析 32 字节标量（拒绝溢出群阶的编码）
func parseScalar(raw []byte) (*secp256k1.ModNScalar, error) {
	if len(raw) != ScalarSize {
		return nil, errors.Wrapf(ErrInvalidScalar, "expected %d bytes, got %d", ScalarSize, len(raw))
	}
	var s secp256k1.ModNScalar
	var buf [ScalarSize]byte
	copy(buf[:], raw)
	if overflow := s.SetBytes(&buf); overflow != 0 {
		return nil, errors.Wrap(ErrInvalidScalar, "scalar overflows group order")
	}
	return &s, nil
}

// serializePoint 压缩序列化 Jacobian 点
func serializePoint(point *secp256k1.JacobianPoint) []byte {
	point.ToAffine()
	return secp256k1.NewPublicKey(&point.X, &point.Y).SerializeCompressed()
}

func scalarBytes(s *secp256k1.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// indexScalar 参与者索引转标量（索引从 1 开始，0 为群私钥位置）
func indexScalar(index uint32) (*secp256k1.ModNScalar, error) {
	if index == 0 {
		return nil, errors.Wrap(ErrInvalidSubset, "participant index must be positive")
	}
	var s secp256k1.ModNScalar
	s.SetInt(index)
	return &s, nil
}

// LagrangeCoefficient 计算索引 index 相对签名者子集 subset 的 Lagrange 系数
// λ_i = ∏_{j∈S, j≠i} j / (j - i)
func LagrangeCoefficient(index uint32, subset []uint32) (*secp256k1.ModNScalar, error) {
	if len(subset) == 0 {
		return nil, errors.Wrap(ErrInvalidSubset, "subset is empty")
	}

	iScalar, err := indexScalar(index)
	if err != nil {
		return nil, err
	}

	found := false
	var numerator, denominator secp256k1.ModNScalar
	numerator.SetInt(1)
	denominator.SetInt(1)

	seen := make(map[uint32]struct{}, len(subset))
	for _, j := range subset {
		if _, dup := seen[j]; dup {
			return nil, errors.Wrapf(ErrInvalidSubset, "duplicate index %d", j)
		}
		seen[j] = struct{}{}

		if j == index {
			found = true
			continue
		}

		jScalar, err := indexScalar(j)
		if err != nil {
			return nil, err
		}

		numerator.Mul(jScalar)

		var diff secp256k1.ModNScalar
		diff.Set(iScalar).Negate().Add(jScalar) // j - i
		if diff.IsZero() {
			return nil, errors.Wrap(ErrInvalidSubset, "zero denominator in lagrange coefficient")
		}
		denominator.Mul(&diff)
	}

	if !found {
		return nil, errors.Wrapf(ErrSubsetMissingIndex, "index %d", index)
	}

	denominator.InverseNonConst()
	numerator.Mul(&denominator)
	result := new(secp256k1.ModNScalar).Set(&numerator)
	return result, nil
}

// GroupCommitment 按签名者子集聚合各方承诺：R = Σ λ_i·R_i
// commitments 以参与者索引为键，值为压缩承诺点
func GroupCommitment(commitments map[uint32][]byte, subset []uint32) ([]byte, error) {
	if len(subset) == 0 {
		return nil, errors.Wrap(ErrInvalidSubset, "subset is empty")
	}

	var sum secp256k1.JacobianPoint
	for _, idx := range subset {
		raw, ok := commitments[idx]
		if !ok {
			return nil, errors.Wrapf(ErrSubsetMissingIndex, "no commitment for index %d", idx)
		}
		point, err := parsePoint(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "commitment of index %d", idx)
		}

		lambda, err := LagrangeCoefficient(idx, subset)
		if err != nil {
			return nil, err
		}

		var weighted secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(lambda, point, &weighted)
		secp256k1.AddNonConst(&sum, &weighted, &sum)
	}

	sum.ToAffine()
	if sum.X.IsZero() && sum.Y.IsZero() {
		return nil, errors.Wrap(ErrInvalidCommitment, "group commitment is the point at infinity")
	}
	return serializePoint(&sum), nil
}

// Challenge 计算 Fiat-Shamir 挑战 c = H(R ‖ P ‖ m)，约减到群阶
func Challenge(groupCommitment, groupPublicKey, messageHash []byte) ([]byte, error) {
	if _, err := parsePoint(groupCommitment); err != nil {
		return nil, errors.Wrap(err, "group commitment")
	}
	if _, err := parsePoint(groupPublicKey); err != nil {
		return nil, errors.Wrap(err, "group public key")
	}

	hasher := sha256.New()
	hasher.Write(groupCommitment)
	hasher.Write(groupPublicKey)
	hasher.Write(messageHash)
	digest := hasher.Sum(nil)

	var c secp256k1.ModNScalar
	var buf [ScalarSize]byte
	copy(buf[:], digest)
	c.SetBytes(&buf)
	return scalarBytes(&c), nil
}

// SignPartial 计算本方部分签名 z = r + c·x
// 仅用于测试与本地开发签名器；生产环境中 x 从不离开参与方
func SignPartial(nonceSecret, secretShare, challenge []byte) ([]byte, error) {
	r, err := parseScalar(nonceSecret)
	if err != nil {
		return nil, errors.Wrap(err, "nonce secret")
	}
	x, err := parseScalar(secretShare)
	if err != nil {
		return nil, errors.Wrap(err, "secret share")
	}
	c, err := parseScalar(challenge)
	if err != nil {
		return nil, errors.Wrap(err, "challenge")
	}

	var z secp256k1.ModNScalar
	z.Set(c).Mul(x).Add(r) // z = r + c·x
	return scalarBytes(&z), nil
}

// VerifyPartial 验证单个部分签名：z·G == R_i + c·X_i
// 用于在聚合前定位损坏或恶意的分片
func VerifyPartial(partial, commitment, participantPublicKey, challenge []byte) (bool, error) {
	z, err := parseScalar(partial)
	if err != nil {
		return false, errors.Wrap(err, "partial signature")
	}
	ri, err := parsePoint(commitment)
	if err != nil {
		return false, errors.Wrap(err, "nonce commitment")
	}
	xi, err := parsePoint(participantPublicKey)
	if err != nil {
		return false, errors.Wrap(err, "participant public key")
	}
	c, err := parseScalar(challenge)
	if err != nil {
		return false, errors.Wrap(err, "challenge")
	}

	var left secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(z, &left)

	var cx, right secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(c, xi, &cx)
	secp256k1.AddNonConst(ri, &cx, &right)

	left.ToAffine()
	right.ToAffine()
	return left.X.Equals(&right.X) && left.Y.Equals(&right.Y), nil
}

// Aggregate 聚合部分签名：s = Σ λ_i·z_i，返回 (R, s)
// partials 以参与者索引为键；groupCommitment 必须是同一子集上的 GroupCommitment 结果
func Aggregate(partials map[uint32][]byte, subset []uint32, groupCommitment []byte) (*Signature, error) {
	if len(subset) == 0 {
		return nil, errors.Wrap(ErrInvalidSubset, "subset is empty")
	}
	if _, err := parsePoint(groupCommitment); err != nil {
		return nil, errors.Wrap(err, "group commitment")
	}

	var s secp256k1.ModNScalar
	for _, idx := range subset {
		raw, ok := partials[idx]
		if !ok {
			return nil, errors.Wrapf(ErrSubsetMissingIndex, "no partial signature for index %d", idx)
		}
		z, err := parseScalar(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "partial signature of index %d", idx)
		}

		lambda, err := LagrangeCoefficient(idx, subset)
		if err != nil {
			return nil, err
		}

		var weighted secp256k1.ModNScalar
		weighted.Set(lambda).Mul(z)
		s.Add(&weighted)
	}

	return &Signature{
		R: append([]byte(nil), groupCommitment...),
		S: scalarBytes(&s),
	}, nil
}

// Verify 标准 Schnorr 验证：s·G == R + c·P
func Verify(sig *Signature, messageHash, groupPublicKey []byte) (bool, error) {
	if sig == nil {
		return false, errors.New("signature is nil")
	}
	s, err := parseScalar(sig.S)
	if err != nil {
		return false, errors.Wrap(err, "signature scalar")
	}
	r, err := parsePoint(sig.R)
	if err != nil {
		return false, errors.Wrap(err, "signature commitment")
	}
	p, err := parsePoint(groupPublicKey)
	if err != nil {
		return false, errors.Wrap(err, "group public key")
	}

	challenge, err := Challenge(sig.R, groupPublicKey, messageHash)
	if err != nil {
		return false, err
	}
	c, err := parseScalar(challenge)
	if err != nil {
		return false, err
	}

	var left secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &left)

	var cp, right secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(c, p, &cp)
	secp256k1.AddNonConst(r, &cp, &right)

	left.ToAffine()
	right.ToAffine()
	return left.X.Equals(&right.X) && left.Y.Equals(&right.Y), nil
}
