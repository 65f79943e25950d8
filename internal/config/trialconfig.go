package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// DataFileMode 遥测落盘模式
type DataFileMode string

const (
	DataFileEpisode DataFileMode = "episode" // 每个回合一个文件
	DataFileTrial   DataFileMode = "trial"   // 整个试验一个文件，结束时一次性写入
)

// IsValid 检查落盘模式是否有效
func (m DataFileMode) IsValid() bool {
	return m == DataFileEpisode || m == DataFileTrial
}

// 遥测压缩方式
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// NoopAction 约定的空动作名称
const NoopAction = "noop"

var ErrInvalidConfig = errors.New("invalid config")

// Config 配置文件的完整结构
type Config struct {
	Trial  TrialConfig  `yaml:"trial" mapstructure:"trial"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// TrialConfig 单次试验的配置（会话创建时读取，之后只读）
type TrialConfig struct {
	Game                 string       `yaml:"game" mapstructure:"game"`
	ProjectID            string       `yaml:"projectId" mapstructure:"projectId"`
	ActionSpace          []string     `yaml:"actionSpace" mapstructure:"actionSpace"`
	StartingFrameRate    int          `yaml:"startingFrameRate" mapstructure:"startingFrameRate"`
	AllowFrameRateChange bool         `yaml:"allowFrameRateChange" mapstructure:"allowFrameRateChange"`
	FrameRateStepSize    int          `yaml:"frameRateStepSize" mapstructure:"frameRateStepSize"`
	MinFrameRate         int          `yaml:"minFrameRate" mapstructure:"minFrameRate"`
	MaxFrameRate         int          `yaml:"maxFrameRate" mapstructure:"maxFrameRate"`
	MaxEpisodes          int          `yaml:"maxEpisodes" mapstructure:"maxEpisodes"`
	DataFile             DataFileMode `yaml:"dataFile" mapstructure:"dataFile"`
	S3Upload             bool         `yaml:"s3upload" mapstructure:"s3upload"`
	Bucket               string       `yaml:"bucket" mapstructure:"bucket"`
	UI                   []string     `yaml:"ui" mapstructure:"ui"`
}

// ServerConfig 服务进程的运行配置
type ServerConfig struct {
	Addr              string `yaml:"addr" mapstructure:"addr"`
	MaxConnections    int    `yaml:"maxConnections" mapstructure:"maxConnections"`
	ReadBufferSize    int    `yaml:"readBufferSize" mapstructure:"readBufferSize"`
	WriteBufferSize   int    `yaml:"writeBufferSize" mapstructure:"writeBufferSize"`
	EnableCompression bool   `yaml:"enableCompression" mapstructure:"enableCompression"`
	TelemetryDir      string `yaml:"telemetryDir" mapstructure:"telemetryDir"`
	Compression       string `yaml:"compression" mapstructure:"compression"`
	JPEGQuality       int    `yaml:"jpegQuality" mapstructure:"jpegQuality"`
	AgentAddr         string `yaml:"agentAddr" mapstructure:"agentAddr"`
	DatabaseURL       string `yaml:"databaseUrl" mapstructure:"databaseUrl"`
}

// DefaultTrialConfig 返回默认试验配置
func DefaultTrialConfig() *TrialConfig {
	return &TrialConfig{
		Game:                 "gridworld",
		ActionSpace:          []string{NoopAction, "left", "right", "up", "down"},
		StartingFrameRate:    30,
		AllowFrameRateChange: false,
		FrameRateStepSize:    5,
		MinFrameRate:         1,
		MaxFrameRate:         90,
		MaxEpisodes:          20,
		DataFile:             DataFileEpisode,
		UI:                   nil,
	}
}

// DefaultAction 空动作的下标；动作空间中没有noop时取0
func (c *TrialConfig) DefaultAction() int {
	if idx := slices.Index(c.ActionSpace, NoopAction); idx >= 0 {
		return idx
	}
	return 0
}

// ActionCode 查找动作对应的编码，未知动作映射为0
func (c *TrialConfig) ActionCode(action string) int {
	action = strings.ToLower(strings.TrimSpace(action))
	if idx := slices.Index(c.ActionSpace, action); idx >= 0 {
		return idx
	}
	return 0
}

// Normalize 动作名统一为小写并去除空格
func (c *TrialConfig) Normalize() {
	for i, a := range c.ActionSpace {
		c.ActionSpace[i] = strings.ToLower(strings.TrimSpace(a))
	}
	if c.DataFile == "" {
		c.DataFile = DataFileEpisode
	}
	c.DataFile = DataFileMode(strings.ToLower(string(c.DataFile)))
}

// Clone 深拷贝，每个会话持有自己的快照
func (c *TrialConfig) Clone() *TrialConfig {
	clone := *c
	clone.ActionSpace = slices.Clone(c.ActionSpace)
	clone.UI = slices.Clone(c.UI)
	return &clone
}

// Validate 校验试验配置
func (c *TrialConfig) Validate() error {
	if len(c.ActionSpace) == 0 {
		return fmt.Errorf("%w: actionSpace must not be empty", ErrInvalidConfig)
	}
	if c.MinFrameRate <= 0 || c.MinFrameRate >= c.MaxFrameRate {
		return fmt.Errorf("%w: frame rate bounds min(%d) max(%d)",
			ErrInvalidConfig, c.MinFrameRate, c.MaxFrameRate)
	}
	if c.StartingFrameRate < c.MinFrameRate || c.StartingFrameRate > c.MaxFrameRate {
		return fmt.Errorf("%w: startingFrameRate %d outside [%d, %d]",
			ErrInvalidConfig, c.StartingFrameRate, c.MinFrameRate, c.MaxFrameRate)
	}
	if c.FrameRateStepSize <= 0 {
		return fmt.Errorf("%w: frameRateStepSize must be positive, got %d", ErrInvalidConfig, c.FrameRateStepSize)
	}
	if c.MaxEpisodes <= 0 {
		return fmt.Errorf("%w: maxEpisodes must be positive, got %d", ErrInvalidConfig, c.MaxEpisodes)
	}
	if !c.DataFile.IsValid() {
		return fmt.Errorf("%w: dataFile %q (want episode or trial)", ErrInvalidConfig, c.DataFile)
	}
	return nil
}

// Validate 校验服务配置
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: server addr must not be empty", ErrInvalidConfig)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: maxConnections must be positive", ErrInvalidConfig)
	}
	if c.Compression != CompressionNone && c.Compression != CompressionZstd {
		return fmt.Errorf("%w: compression %q (want none or zstd)", ErrInvalidConfig, c.Compression)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpegQuality %d outside [1, 100]", ErrInvalidConfig, c.JPEGQuality)
	}
	return nil
}

// Validate 校验全部配置
func (c *Config) Validate() error {
	if err := c.Trial.Validate(); err != nil {
		return err
	}
	return c.Server.Validate()
}

// Load 读取配置文件。path为空时按默认搜索路径查找 .trialConfig.yml，找不到则使用默认值
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".trialConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
	}

	// 环境变量覆盖，例如 TRIAL_SERVER_ADDR
	v.SetEnvPrefix("TRIAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Trial.Normalize()
	cfg.Server.Compression = strings.ToLower(cfg.Server.Compression)

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	d := DefaultTrialConfig()

	v.SetDefault("trial.game", d.Game)
	v.SetDefault("trial.projectId", "")
	v.SetDefault("trial.actionSpace", d.ActionSpace)
	v.SetDefault("trial.startingFrameRate", d.StartingFrameRate)
	v.SetDefault("trial.allowFrameRateChange", d.AllowFrameRateChange)
	v.SetDefault("trial.frameRateStepSize", d.FrameRateStepSize)
	v.SetDefault("trial.minFrameRate", d.MinFrameRate)
	v.SetDefault("trial.maxFrameRate", d.MaxFrameRate)
	v.SetDefault("trial.maxEpisodes", d.MaxEpisodes)
	v.SetDefault("trial.dataFile", string(d.DataFile))
	v.SetDefault("trial.s3upload", false)
	v.SetDefault("trial.bucket", "")
	v.SetDefault("trial.ui", []string{})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.maxConnections", 100)
	v.SetDefault("server.readBufferSize", 4096)
	v.SetDefault("server.writeBufferSize", 64*1024)
	v.SetDefault("server.enableCompression", false)
	v.SetDefault("server.telemetryDir", "Trials")
	v.SetDefault("server.compression", CompressionNone)
	v.SetDefault("server.jpegQuality", 75)
	v.SetDefault("server.agentAddr", "")
	v.SetDefault("server.databaseUrl", "")
}
