// =============================================================================
// 📦 CodeGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值: 本机三端口、纯 Go sqlite、内置特征库。
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Certs:     DefaultCertsConfig(),
		Providers: DefaultProvidersConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Auth:      AuthConfig{},
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "localhost",
		Port:            8989,
		ProxyPort:       8990,
		APIPort:         9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Path:            "./codegate_volume/db/codegate.db",
		Host:            "localhost",
		Port:            5432,
		User:            "codegate",
		Password:        "",
		Name:            "codegate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		SessionTTL:   24 * time.Hour,
	}
}

// DefaultCertsConfig 返回默认证书配置
func DefaultCertsConfig() CertsConfig {
	return CertsConfig{
		CertsDir:      "./codegate_volume/certs",
		CACert:        "ca.crt",
		CAKey:         "ca.key",
		ServerCert:    "server.crt",
		ServerKey:     "server.key",
		LeafCacheSize: 256,
	}
}

// DefaultProvidersConfig 返回默认 Provider 配置
func DefaultProvidersConfig() ProvidersConfig {
	// 各地址为主机根路径; 方言的 API 前缀(/v1, /api/v1)由路由适配层追加
	return ProvidersConfig{
		URLs: map[string]string{
			"openai":     "https://api.openai.com",
			"anthropic":  "https://api.anthropic.com",
			"openrouter": "https://openrouter.ai",
			"vllm":       "http://localhost:8000",
			"ollama":     "http://localhost:11434",
			"lm_studio":  "http://localhost:1234",
			"llamacpp":   "http://localhost:8080",
			"copilot":    "https://api.githubcopilot.com",
		},
		Timeout: 5 * time.Minute,
	}
}

// DefaultPipelineConfig 返回默认管道配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SecretsEnabled:  true,
		PIIEnabled:      true,
		VecDBPath:       "./sqlite_data/vectordb.db",
		SimilarityFloor: 0.75,
		DashboardURL:    "http://localhost:9090",
		FIMDedupTTL:     3 * time.Minute,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "codegate",
		SampleRate:   0.1,
	}
}
