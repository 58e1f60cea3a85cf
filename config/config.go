// =============================================================================
// 📦 CodeGate 配置结构
// =============================================================================
// 本地提示词网关的完整配置: 三个监听端口、日志、数据库、Redis、证书、
// 上游 Provider 地址、管道开关与管理 API 鉴权。
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量(CODEGATE_*) → CLI 参数
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 是 CodeGate 的完整配置结构
type Config struct {
	// Server 服务器配置(三个端口)
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Database 审计/注册表数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 可选的会话存储与缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Certs 证书颁发机构配置
	Certs CertsConfig `yaml:"certs" env:"CERTS"`

	// Providers 上游 Provider 配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Pipeline 请求/响应管道配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Auth 管理 API 鉴权配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Telemetry 遥测配置(默认关闭, 绝不隐式开启)
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听主机
	Host string `yaml:"host" env:"HOST"`
	// Provider 网关端口
	Port int `yaml:"port" env:"PORT"`
	// TLS 拦截代理端口
	ProxyPort int `yaml:"proxy_port" env:"PROXY_PORT"`
	// 管理 API 端口
	APIPort int `yaml:"api_port" env:"API_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时(流式响应需要长超时)
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 管理 API 限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 管理 API 允许的跨域来源(为空拒绝跨域)
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// sqlite 数据库文件路径
	Path string `yaml:"path" env:"PATH"`
	// 使用 CGO sqlite 驱动(默认纯 Go 实现)
	UseCGO bool `yaml:"use_cgo" env:"USE_CGO"`
	// 主机(postgres/mysql)
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置(可选: 会话替换表与 FIM 去重缓存)
type RedisConfig struct {
	// 是否启用(关闭时使用内存实现)
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 会话条目过期时间
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

// CertsConfig 证书颁发机构配置
type CertsConfig struct {
	// 证书目录
	CertsDir string `yaml:"certs_dir" env:"CERTS_DIR"`
	// CA 证书文件名
	CACert string `yaml:"ca_cert" env:"CA_CERT"`
	// CA 私钥文件名
	CAKey string `yaml:"ca_key" env:"CA_KEY"`
	// 服务器证书文件名(管理端口可选 TLS)
	ServerCert string `yaml:"server_cert" env:"SERVER_CERT"`
	// 服务器私钥文件名
	ServerKey string `yaml:"server_key" env:"SERVER_KEY"`
	// 叶子证书缓存容量
	LeafCacheSize int `yaml:"leaf_cache_size" env:"LEAF_CACHE_SIZE"`
}

// ProvidersConfig 上游 Provider 配置
type ProvidersConfig struct {
	// 各 Provider 的基础 URL
	URLs map[string]string `yaml:"urls" env:"-"`
	// 上游请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// PipelineConfig 管道配置
type PipelineConfig struct {
	// 是否启用密钥脱敏
	SecretsEnabled bool `yaml:"secrets_enabled" env:"SECRETS_ENABLED"`
	// 是否启用 PII 脱敏
	PIIEnabled bool `yaml:"pii_enabled" env:"PII_ENABLED"`
	// 自定义密钥特征库文件(为空使用内置)
	SignaturesFile string `yaml:"signatures_file" env:"SIGNATURES_FILE"`
	// 自定义提示词文件(为空使用内置)
	PromptsFile string `yaml:"prompts_file" env:"PROMPTS_FILE"`
	// 包情报向量库路径
	VecDBPath string `yaml:"vec_db_path" env:"VEC_DB_PATH"`
	// 向量相似度下限
	SimilarityFloor float64 `yaml:"similarity_floor" env:"SIMILARITY_FLOOR"`
	// 告警面板基础 URL(脱敏提示中的链接)
	DashboardURL string `yaml:"dashboard_url" env:"DASHBOARD_URL"`
	// FIM 重复告警抑制窗口
	FIMDedupTTL time.Duration `yaml:"fim_dedup_ttl" env:"FIM_DEDUP_TTL"`
}

// AuthConfig 管理 API 鉴权配置
type AuthConfig struct {
	// API Key 列表(为空则禁用鉴权, 仅本机监听时合理)
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 公钥文件(RS256, 可选)
	JWTPublicKeyFile string `yaml:"jwt_public_key_file" env:"JWT_PUBLIC_KEY_FILE"`
	// JWT 共享密钥(HS256, 可选)
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	for name, port := range map[string]int{
		"port":       c.Server.Port,
		"proxy_port": c.Server.ProxyPort,
		"api_port":   c.Server.APIPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("invalid %s %d", name, port))
		}
	}
	if c.Server.Port == c.Server.ProxyPort || c.Server.Port == c.Server.APIPort ||
		c.Server.ProxyPort == c.Server.APIPort {
		errs = append(errs, "server ports must be distinct")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("invalid database driver %q", c.Database.Driver))
	}

	if c.Pipeline.SimilarityFloor < 0 || c.Pipeline.SimilarityFloor > 1 {
		errs = append(errs, "similarity_floor must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Path
	default:
		return ""
	}
}
