package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Queue    QueueConfig    `mapstructure:"queue"`
	AI       AIConfig       `mapstructure:"ai"`
	Asset    AssetConfig    `mapstructure:"asset"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置（durable 队列后端与游戏实体共用）
type DatabaseConfig struct {
	// 驱动选择: sqlite(纯 Go 文件库) 或 postgres
	Driver string `mapstructure:"driver"`

	// sqlite 数据库文件路径，目录不存在时自动创建
	Path string `mapstructure:"path"`

	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// QueueConfig 队列子系统配置
type QueueConfig struct {
	// 后端选择: memory(进程内，重启即失) 或 durable(走数据库，见 DatabaseConfig)
	Backend string `mapstructure:"backend"`

	// 各处理队列的并发上限（batch size）
	LLMBatchSize   int `mapstructure:"llm_batch_size"`
	AssetBatchSize int `mapstructure:"asset_batch_size"`

	// worker 的崩溃恢复轮询间隔（错过通知时的兜底唤醒）
	RecoveryPollInterval time.Duration `mapstructure:"recovery_poll_interval"`

	// 终态条目的保留窗口，超过后由清理 worker 删除
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// 审批请求的超时时间，超过后标记为 expired
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`

	// 清理 worker 的执行间隔
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// 审批被拒绝后允许重新生成的最大次数
	MaxRetry int `mapstructure:"max_retry"`
}

// AIConfig LLM 代理配置
type AIConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig OpenAI 配置
type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// AssetConfig 素材生成管线配置
type AssetConfig struct {
	// 生成服务（ComfyUI 兼容）的地址
	Endpoint string `mapstructure:"endpoint"`

	// 生成产物的落盘目录
	OutputDir string `mapstructure:"output_dir"`

	// 轮询生成状态的间隔与整体超时
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 数据库默认值
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/game.db")

	// 队列默认值
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.llm_batch_size", 2)
	v.SetDefault("queue.asset_batch_size", 1)
	v.SetDefault("queue.recovery_poll_interval", 5*time.Second)
	v.SetDefault("queue.history_retention", 24*time.Hour)
	v.SetDefault("queue.approval_timeout", time.Hour)
	v.SetDefault("queue.cleanup_interval", 5*time.Minute)
	v.SetDefault("queue.max_retry", 3)

	// 素材生成默认值
	v.SetDefault("asset.output_dir", "./data/assets")
	v.SetDefault("asset.poll_interval", 2*time.Second)
	v.SetDefault("asset.timeout", 5*time.Minute)

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_QUEUE_BACKEND

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
