package payment

import (
	"errors"
	"fmt"

	"backend/internal/config"
)

var (
	ErrProviderNotFound   = errors.New("支付渠道未启用或不存在")
	ErrNoDefaultProvider  = errors.New("未配置默认支付渠道")
	ErrProviderNoFactory  = errors.New("支付渠道缺少适配器工厂")
)

// Provider 支付渠道适配器接口
// 具体实现负责与渠道交互并把结果归一化为 PaymentSession/PaymentEvent，
// 对账引擎只消费归一化结构。
type Provider interface {
	// Name 渠道名（stripe、paypal、creem 等）
	Name() string

	// ParseEvent 将渠道 webhook 原始报文归一化为支付事件
	ParseEvent(payload []byte, signature string) (*PaymentEvent, error)
}

// ProviderFactory 按配置构造渠道适配器
type ProviderFactory func(cfg config.PaymentProviderConfig) (Provider, error)

// Manager 支付渠道注册表
// 每次使用时从配置重建，不持有跨请求的可变全局状态，
// 保证多租户与测试下的配置隔离。
type Manager struct {
	providers   map[string]Provider
	defaultName string
}

// NewManager 根据配置构建渠道注册表
// factories 以渠道名为键，未启用的渠道不会实例化。
func NewManager(cfg *config.PaymentConfig, factories map[string]ProviderFactory) (*Manager, error) {
	m := &Manager{
		providers:   make(map[string]Provider),
		defaultName: cfg.DefaultProvider,
	}
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProviderNoFactory, name)
		}
		p, err := factory(pc)
		if err != nil {
			return nil, fmt.Errorf("构建支付渠道 %s 失败: %w", name, err)
		}
		m.providers[p.Name()] = p
	}
	return m, nil
}

// Get 按名称获取渠道
func (m *Manager) Get(name string) (Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Default 获取默认渠道
func (m *Manager) Default() (Provider, error) {
	if m.defaultName == "" {
		return nil, ErrNoDefaultProvider
	}
	return m.Get(m.defaultName)
}

// Enabled 渠道是否启用
func (m *Manager) Enabled(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// Names 已启用的渠道名列表
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}
