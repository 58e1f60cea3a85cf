package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appconfig "github.com/stacklok/codegate/config"
)

// =============================================================================
// 🗄️ 数据库打开入口
// =============================================================================

// Open 按配置打开数据库并包装为连接池管理器。
// sqlite 默认使用纯 Go 驱动(glebarez), use_cgo 时切换到 CGO 驱动;
// postgres/mysql 用于把审计库外置到共享数据库的部署。
func Open(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := buildDialector(dbCfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	poolCfg := DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	if dbCfg.Driver == "sqlite" {
		// 单文件库串行化写入, 连接多了只会增加锁竞争
		poolCfg.MaxOpenConns = 1
		poolCfg.MaxIdleConns = 1
	}

	return NewPoolManager(db, poolCfg, logger)
}

// buildDialector 根据驱动类型构造 GORM Dialector
func buildDialector(dbCfg appconfig.DatabaseConfig) (gorm.Dialector, error) {
	switch dbCfg.Driver {
	case "sqlite":
		if err := ensureParentDir(dbCfg.Path); err != nil {
			return nil, err
		}
		if dbCfg.UseCGO {
			return cgosqlite.Open(dbCfg.Path), nil
		}
		return sqlite.Open(dbCfg.Path), nil
	case "postgres":
		return postgres.Open(dbCfg.DSN()), nil
	case "mysql":
		return mysql.Open(dbCfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", dbCfg.Driver)
	}
}

// ensureParentDir 确保 sqlite 数据库文件的父目录存在
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
