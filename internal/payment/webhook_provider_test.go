package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"backend/internal/config"

	"github.com/stretchr/testify/require"
)

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookProviderParseEvent(t *testing.T) {
	provider := NewWebhookProvider("gateway", config.PaymentProviderConfig{
		SigningSecret: "test_secret",
	})

	payload := []byte(`{
		"eventId": "evt_1",
		"eventType": "checkout.success",
		"orderNo": "ORD-1",
		"session": {"paymentStatus": "paid"}
	}`)

	event, err := provider.ParseEvent(payload, signPayload("test_secret", payload))
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.EventID)
	require.Equal(t, EventCheckoutSuccess, event.EventType)
	require.Equal(t, "ORD-1", event.OrderNo)
	require.Equal(t, PaymentStatusSuccess, event.Session.PaymentStatus)
	// 渠道名以适配器配置为准，不信任报文
	require.Equal(t, "gateway", event.Session.Provider)
}

func TestWebhookProviderRejectsBadSignature(t *testing.T) {
	provider := NewWebhookProvider("gateway", config.PaymentProviderConfig{
		SigningSecret: "test_secret",
	})

	payload := []byte(`{"eventType":"checkout.success"}`)

	_, err := provider.ParseEvent(payload, signPayload("wrong_secret", payload))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = provider.ParseEvent(payload, "not-a-signature")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookProviderRejectsMalformedPayload(t *testing.T) {
	provider := NewWebhookProvider("gateway", config.PaymentProviderConfig{
		SigningSecret: "test_secret",
	})

	payload := []byte(`{"eventId":"evt_1"}`)
	_, err := provider.ParseEvent(payload, signPayload("test_secret", payload))
	require.Error(t, err, "缺少事件类型应当拒绝")

	broken := []byte(`{not json`)
	_, err = provider.ParseEvent(broken, signPayload("test_secret", broken))
	require.Error(t, err)
}

func TestWebhookProviderFactoryRequiresSecret(t *testing.T) {
	factory := WebhookProviderFactory("gateway")

	_, err := factory(config.PaymentProviderConfig{})
	require.Error(t, err)

	p, err := factory(config.PaymentProviderConfig{SigningSecret: "s"})
	require.NoError(t, err)
	require.Equal(t, "gateway", p.Name())
}
