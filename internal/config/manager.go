package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 统一配置管理器，支持热加载。
// 热加载只影响之后创建的会话，已有会话持有各自的快照。
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	onReload     []func(*Config)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithReloadHook 配置重新加载后回调
func WithReloadHook(hook func(*Config)) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onReload = append(cm.onReload, hook)
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}

	for _, opt := range opts {
		opt(cm)
	}

	return cm
}

// Load 加载配置（已加载时直接返回缓存）
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	cfg, v, err := Load(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载试验配置失败: %w", err)
	}

	cm.config = cfg
	cm.viper = v

	if cm.watchEnabled {
		cm.watch()
	}

	return cfg, nil
}

// Get 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Snapshot 返回当前试验配置的深拷贝，供新会话使用
func (cm *ConfigManager) Snapshot() (*TrialConfig, error) {
	cfg, err := cm.Get()
	if err != nil {
		return nil, err
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cfg.Trial.Clone(), nil
}

// Reload 重新加载配置，校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cfg, v, err := Load(cm.configPath)
	if err != nil {
		return fmt.Errorf("重新加载试验配置失败: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	if cm.viper == nil {
		cm.viper = v
	}
	hooks := append([]func(*Config){}, cm.onReload...)
	cm.mu.Unlock()

	for _, hook := range hooks {
		hook(cfg)
	}

	return nil
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	if cm.viper == nil || cm.viper.ConfigFileUsed() == "" {
		return
	}

	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := cm.Reload(); err != nil {
			log.Printf("配置热加载失败，继续使用旧配置: %v", err)
			return
		}
		log.Printf("配置已重新加载: %s", e.Name)
	})
	cm.viper.WatchConfig()
}

// Summary 获取配置摘要信息
func (cm *ConfigManager) Summary() (map[string]interface{}, error) {
	cfg, err := cm.Get()
	if err != nil {
		return nil, err
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return map[string]interface{}{
		"game":          cfg.Trial.Game,
		"project_id":    cfg.Trial.ProjectID,
		"action_space":  cfg.Trial.ActionSpace,
		"max_episodes":  cfg.Trial.MaxEpisodes,
		"data_file":     cfg.Trial.DataFile,
		"server_addr":   cfg.Server.Addr,
		"telemetry_dir": cfg.Server.TelemetryDir,
		"compression":   cfg.Server.Compression,
		"remote_agent":  cfg.Server.AgentAddr != "",
		"upload_ledger": cfg.Server.DatabaseURL != "",
	}, nil
}
