package database

import (
	"fmt"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{
		&model.ProductModel{},
		&model.OrderModel{},
		&model.OrderItemModel{},
		&model.PaymentReferenceModel{},
		&model.PaymentConfirmationModel{},
		&model.IdempotencyMarkerModel{},
		&model.OrderProducerSplitModel{},
		&model.PayoutBatchModel{},
		&model.PayoutBatchItemModel{},
		&model.StatusHistoryModel{},
		&model.OutboxMessageModel{},
	}
}

// GormConfig 统一的 gorm 配置
// TranslateError 打开后唯一约束冲突统一返回 gorm.ErrDuplicatedKey，幂等判断依赖这一点
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	}
}

func Init(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate 自动迁移
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// dialectorFor 根据驱动类型构建 DSN
// 打款批次依赖部分唯一索引，目前只支持 postgres
func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
