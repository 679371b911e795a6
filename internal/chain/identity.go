package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveIdentity 由用户ID确定性派生链上身份地址，不需要保存映射
func DeriveIdentity(userId int64) common.Address {
	digest := crypto.Keccak256([]byte(fmt.Sprintf("marketplace-identity:%d", userId)))
	return common.BytesToAddress(digest[12:])
}

// OrderKey 订单在存证合约中的键
func OrderKey(orderId int64) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("marketplace-order:%d", orderId)))
}

// FactHash 存证内容摘要，同一笔支付每次计算结果一致
func FactHash(orderId int64, correlationRef, amount string, buyer, producer common.Address) common.Hash {
	return crypto.Keccak256Hash(
		OrderKey(orderId).Bytes(),
		[]byte(correlationRef),
		[]byte(amount),
		buyer.Bytes(),
		producer.Bytes(),
	)
}
