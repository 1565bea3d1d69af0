package frost

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// 可信分发者密钥生成与一次性 nonce 生成。
// 生产部署由外部 MPC 节点群执行 DKG，本文件服务于测试与本地开发签名器。

// Share 单个参与者的私钥分片 x_i = f(i)
type Share struct {
	Index  uint32
	Secret []byte // 32 字节标量
}

// Group 群密钥材料（仅公开部分）
type Group struct {
	Threshold       int
	PublicKey       []byte            // 群公钥 P = f(0)·G，33 字节压缩
	ParticipantKeys map[uint32][]byte // 各参与者验证公钥 X_i = x_i·G
}

// Nonce 一次性签名 nonce（r, R = r·G）
// Secret 参与一次签名后必须作废，跨签名复用会泄露私钥分片
type Nonce struct {
	Secret     []byte // 32 字节标量
	Commitment []byte // 33 字节压缩点
}

// GenerateNonce 生成一次性 nonce 与对应承诺
func GenerateNonce() (*Nonce, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate nonce scalar")
	}
	return &Nonce{
		Secret:     priv.Serialize(),
		Commitment: priv.PubKey().SerializeCompressed(),
	}, nil
}

// DealShares 以可信分发者模式生成 k-of-n Shamir 分片：
// 随机多项式 f 次数 k-1，x_i = f(i)，群私钥 f(0) 从不落地
func DealShares(threshold, total int) (*Group, []*Share, error) {
	if threshold < 1 || threshold > total {
		return nil, nil, errors.Errorf("invalid threshold %d for %d participants", threshold, total)
	}

	// 随机多项式系数 a_0..a_{k-1}
	coeffs := make([]*secp256k1.ModNScalar, threshold)
	for i := range coeffs {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, errors.Wrap(err, "generate polynomial coefficient")
		}
		coeffs[i] = &priv.Key
	}

	var groupPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(coeffs[0], &groupPoint)

	group := &Group{
		Threshold:       threshold,
		PublicKey:       serializePoint(&groupPoint),
		ParticipantKeys: make(map[uint32][]byte, total),
	}

	shares := make([]*Share, 0, total)
	for i := 1; i <= total; i++ {
		idx := uint32(i)
		x := evalPolynomial(coeffs, idx)

		var pub secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(x, &pub)
		group.ParticipantKeys[idx] = serializePoint(&pub)

		shares = append(shares, &Share{
			Index:  idx,
			Secret: scalarBytes(x),
		})
	}

	return group, shares, nil
}

// evalPolynomial Horner 法求 f(x)
func evalPolynomial(coeffs []*secp256k1.ModNScalar, x uint32) *secp256k1.ModNScalar {
	var xs secp256k1.ModNScalar
	xs.SetInt(x)

	result := new(secp256k1.ModNScalar).Set(coeffs[len(coeffs)-1])
	for i := len(coeffs) - 2; i >= 0; i-- {
		result.Mul(&xs).Add(coeffs[i])
	}
	return result
}
