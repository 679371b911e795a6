package logic

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// SignPayload 计算回调内容的 HMAC-SHA256 签名（十六进制）
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 常量时间比较签名，未配置密钥时一律拒绝
func VerifySignature(secret, payload []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	signature = strings.TrimSpace(signature)
	if len(signature) >= len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	if signature == "" {
		return false
	}

	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(given, mac.Sum(nil))
}
