package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/config"
)

var ErrInvalidSignature = errors.New("webhook 签名校验失败")

// WebhookProvider 标准 webhook 渠道适配器
// 适用于回调报文本身就是归一化事件结构的渠道（内部网关、测试渠道）：
// HMAC-SHA256 验签后直接反序列化为 PaymentEvent。
type WebhookProvider struct {
	name          string
	signingSecret string
}

// NewWebhookProvider 创建标准 webhook 适配器
func NewWebhookProvider(name string, cfg config.PaymentProviderConfig) *WebhookProvider {
	return &WebhookProvider{
		name:          name,
		signingSecret: cfg.SigningSecret,
	}
}

// WebhookProviderFactory 标准 webhook 适配器工厂
func WebhookProviderFactory(name string) ProviderFactory {
	return func(cfg config.PaymentProviderConfig) (Provider, error) {
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("渠道 %s 缺少 signing_secret", name)
		}
		return NewWebhookProvider(name, cfg), nil
	}
}

// Name 渠道名
func (p *WebhookProvider) Name() string {
	return p.name
}

// ParseEvent 验签并反序列化支付事件
func (p *WebhookProvider) ParseEvent(payload []byte, signature string) (*PaymentEvent, error) {
	mac := hmac.New(sha256.New, []byte(p.signingSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrInvalidSignature
	}

	var event PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("解析 webhook 报文失败: %w", err)
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("webhook 报文缺少事件类型")
	}
	event.Session.Provider = p.name
	return &event, nil
}
