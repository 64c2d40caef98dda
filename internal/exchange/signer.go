package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// recvWindow 为签名请求允许的时钟偏移窗口（毫秒）。
// 交易所会拒绝偏移超出约5秒的请求，本机时钟需保持同步。
const recvWindow = 5000

// Signer 持有单个凭据的签名材料。
// 密钥以 []byte 保存，便于使用后抹除。
type Signer struct {
	apiKey []byte
	secret []byte
}

// NewSigner 从凭据构造签名器。
func NewSigner(cred Credential) *Signer {
	return &Signer{
		apiKey: []byte(cred.APIKey),
		secret: []byte(cred.APISecret),
	}
}

// APIKey 返回明文 API Key，用于填充请求头。
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// SignQuery 实现“签名串即查询串”方案：
// 查询串自身携带 timestamp 与 recvWindow，整体做 HMAC-SHA256。
func (s *Signer) SignQuery(query string) string {
	return s.hmacHex(query)
}

// SignWithHeader 实现“时间戳前缀”方案：
// 对 timestamp + apiKey + recvWindow + payload 做 HMAC-SHA256，
// 签名与时间戳通过请求头传递。
func (s *Signer) SignWithHeader(timestamp int64, payload string) string {
	return s.hmacHex(fmt.Sprintf("%d%s%d%s", timestamp, s.apiKey, recvWindow, payload))
}

// Wipe 将密钥从内存中清零。
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipe(s.apiKey)
	wipe(s.secret)
}

func (s *Signer) hmacHex(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Timestamp 返回签名用的毫秒时间戳。
func Timestamp(now time.Time) int64 {
	return now.UnixMilli()
}
