// =============================================================================
// CodeGate 主入口
// =============================================================================
// 本地隐私网关: Provider 网关、TLS 拦截代理、管理 API 三端口服务
//
// 使用方法:
//
//	codegate serve                        # 启动网关
//	codegate serve --config config.yaml   # 指定配置文件
//	codegate generate-certs               # 预生成 CA 证书
//	codegate import-packages --file p.jsonl # 导入包情报
//	codegate version                      # 显示版本信息
//	codegate health                       # 健康检查
//	codegate migrate up                   # 运行数据库迁移
//	codegate migrate status               # 查看迁移状态
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stacklok/codegate/ca"
	"github.com/stacklok/codegate/config"
	"github.com/stacklok/codegate/intel"
	"github.com/stacklok/codegate/internal/database"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码约定: 0 正常, 2 配置错误, 3 启动错误, 1 其他致命错误。
const (
	exitConfig  = 2
	exitStartup = 3
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "generate-certs":
		runGenerateCerts(os.Args[2:])
	case "import-packages":
		runImportPackages(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting CodeGate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 创建并启动服务器
	server := NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		logger.Sync()
		os.Exit(exitStartup)
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("CodeGate stopped")
}

// loadConfig 加载并验证配置, 失败时以配置错误码退出
func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(exitConfig)
	}

	return cfg
}

// =============================================================================
// 🔏 generate-certs 命令
// =============================================================================

func runGenerateCerts(args []string) {
	fs := flag.NewFlagSet("generate-certs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	force := fs.Bool("force", false, "Overwrite an existing CA")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	certFile := filepath.Join(cfg.Certs.CertsDir, cfg.Certs.CACert)
	keyFile := filepath.Join(cfg.Certs.CertsDir, cfg.Certs.CAKey)

	if !*force {
		if _, err := os.Stat(certFile); err == nil {
			fmt.Fprintf(os.Stderr, "CA already exists at %s (use --force to overwrite)\n", certFile)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(cfg.Certs.CertsDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create certs directory: %v\n", err)
		os.Exit(1)
	}
	if err := ca.Generate(certFile, keyFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate CA: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("CA certificate written to %s\n", certFile)
	fmt.Printf("Import it into your trust store, e.g.:\n")
	fmt.Printf("  macOS:  security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", certFile)
	fmt.Printf("  Linux:  cp %s /usr/local/share/ca-certificates/codegate.crt && update-ca-certificates\n", certFile)
}

// =============================================================================
// 📥 import-packages 命令
// =============================================================================

func runImportPackages(args []string) {
	fs := flag.NewFlagSet("import-packages", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "", "Path to the packages JSONL file")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: codegate import-packages --file packages.jsonl")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	pool, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   cfg.Pipeline.VecDBPath,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open vector database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	embedder := intel.NewEmbedder()
	index, err := intel.NewIndex(pool.DB(), embedder, intel.IndexConfig{
		SimilarityFloor: cfg.Pipeline.SimilarityFloor,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open package index: %v\n", err)
		os.Exit(1)
	}

	importer := intel.NewImporter(index, embedder, logger)
	n, err := importer.ImportFile(context.Background(), *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported %d packages from %s\n", n, *file)
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Management API address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("CodeGate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`CodeGate - Local privacy gateway for AI coding assistants

Usage:
  codegate <command> [options]

Commands:
  serve            Start the gateway (provider proxy, TLS interceptor, management API)
  migrate          Database migration commands
  generate-certs   Pre-generate the interception CA certificate
  import-packages  Bulk-import package intelligence from a JSONL file
  version          Show version information
  health           Check server health
  help             Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  codegate serve
  codegate serve --config /etc/codegate/config.yaml
  codegate generate-certs
  codegate import-packages --file packages.jsonl
  codegate migrate up
  codegate health --addr http://localhost:9090
  codegate version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	// 构建 logger
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
