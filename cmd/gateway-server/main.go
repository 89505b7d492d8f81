package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"

	"stx-gateway/internal/handler"
	"stx-gateway/internal/model"
	"stx-gateway/internal/server"
	"stx-gateway/internal/service"
	"stx-gateway/internal/service/authgate"
	"stx-gateway/internal/service/contract"
	"stx-gateway/internal/service/mq"
	"stx-gateway/internal/service/reconciler"
	"stx-gateway/internal/store"
	"stx-gateway/pkg/address"
	"stx-gateway/pkg/config"
	"stx-gateway/pkg/crypto_util"
	"stx-gateway/pkg/database"
	"stx-gateway/pkg/keystore"
	"stx-gateway/pkg/keyvault"
	"stx-gateway/pkg/logger"
	"stx-gateway/pkg/monitor"
	"stx-gateway/pkg/stacks"
	"stx-gateway/pkg/utils/lock"
)

// @title STX Payment Gateway API
// @version 1.0
// @description STX/sBTC merchant payment confirmation and settlement gateway

// @host localhost:8080
// @BasePath /api/v1
func main() {
	// 0. 初始化 Config
	config.Init()

	// 1. 初始化 Logger
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	// 2. 加载运营方密钥库
	mnemonic := loadMnemonic()
	seed := bip39.NewSeed(mnemonic, "")
	vault, err := keyvault.New(seed)
	if err != nil {
		logger.Fatal("初始化 Key Vault 失败", zap.Error(err))
	}
	defer vault.Close()
	crypto_util.Zero(seed)

	operatorRaw := vault.OperatorKey()
	operatorKey, _ := btcec.PrivKeyFromBytes(operatorRaw)
	crypto_util.Zero(operatorRaw)

	// 3. 连接数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 开发环境直接 AutoMigrate, 生产环境走 cmd/migrate
	if config.Global.App.Env == "development" {
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("AutoMigrate 失败", zap.Error(err))
		}
	}

	// 4. 连接 Redis
	rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 5. 链侧客户端与合约适配器
	chainClient := stacks.NewClient(config.Global.Stacks.ApiURL, config.Global.Stacks.NodeURL)
	adapter, err := contract.NewAdapter(chainClient, config.Global.Stacks.ContractID, operatorKey, config.Global.Stacks.Network)
	if err != nil {
		logger.Fatal("初始化合约适配器失败", zap.Error(err))
	}
	logger.Info("运营方账户", zap.String("principal", adapter.Operator()))

	// 6. 业务组件
	monitor.InitBusinessMetrics()
	paymentStore := store.NewPaymentStore(db)
	locker := lock.NewRedisLock(rdb)
	gate := authgate.NewGate(adapter, rdb)

	gwCfg := config.Global.Gateway
	fees := reconciler.FeePolicy{
		DefaultFeePercent: decimal.NewFromFloat(gwCfg.PlatformFeePercent),
		ReservePerTx:      decimal.NewFromInt(gwCfg.FeeReserveUstx),
		ReservedTxCount:   gwCfg.ReservedTxCount,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. 消息队列 + Outbox 中继
	var producer mq.Producer
	if config.Global.Redis.MQType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		producer = mq.NewKafkaProducer(config.Global.Kafka.Brokers)
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb)
	}
	defer producer.Close()

	relay := service.NewRelayService(db, producer)
	go relay.Start(ctx)

	// 8. 对账循环
	rec := reconciler.New(paymentStore, chainClient, adapter, vault, gate, locker, reconciler.Config{
		Interval:         time.Duration(gwCfg.PollIntervalSeconds) * time.Second,
		BatchSize:        gwCfg.BatchSize,
		TolerancePercent: decimal.NewFromFloat(gwCfg.TolerancePercent),
		Fees:             fees,
		LockTTL:          time.Duration(gwCfg.CycleLockTTLSeconds) * time.Second,
	})
	go rec.Start(ctx)

	// 9. 过期清扫
	expiryCron := service.NewExpiryCron(paymentStore, locker)
	if err := expiryCron.Start(ctx); err != nil {
		logger.Fatal("启动过期清扫失败", zap.Error(err))
	}
	defer expiryCron.Stop()

	// 10. HTTP
	gen := address.NewSTXGenerator(config.Global.Stacks.Network)
	payments := service.NewPaymentService(paymentStore, vault, adapter, gen, fees,
		time.Duration(gwCfg.PaymentExpiryMins)*time.Minute)
	paymentHandler := handler.NewPaymentHandler(payments, rec, paymentStore)
	router := server.NewHTTPRouter(paymentHandler)

	srv := &http.Server{
		Addr:    ":" + config.Global.App.HttpPort,
		Handler: router,
	}
	go func() {
		logger.Info("HTTP 服务启动", zap.String("port", config.Global.App.HttpPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务异常退出", zap.Error(err))
		}
	}()

	// 11. 等待退出信号, 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("收到退出信号, 开始关停...")

	cancel() // 停止对账/中继, 在当前支付处理完成处停下

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 关停失败", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}

// loadMnemonic 从密钥库加载助记词, 没有密钥库时回落到环境变量 (仅开发)。
func loadMnemonic() string {
	path := config.Global.Stacks.KeystorePath
	password := config.Global.Stacks.Password

	if _, err := os.Stat(path); err == nil {
		logger.Info("发现密钥库文件, 尝试加载...", zap.String("path", path))
		if password == "" {
			logger.Fatal("加载密钥库失败: 未提供口令 (环境变量 STACKS_PASSWORD)")
		}
		encrypted, err := keystore.LoadFromFile(path)
		if err != nil {
			logger.Fatal("读取密钥库文件失败", zap.Error(err))
		}
		mnemonic, err := keystore.DecryptMnemonic(encrypted, password)
		if err != nil {
			logger.Fatal("解密密钥库失败: 口令错误或文件损坏", zap.Error(err))
		}
		return mnemonic
	}

	if m := os.Getenv("STACKS_MNEMONIC"); m != "" {
		logger.Warn("未找到密钥库文件, 使用环境变量中的明文助记词 (仅限开发环境)")
		return m
	}

	logger.Fatal("启动失败: 未找到密钥库文件。请先运行 'gateway-cli init' 初始化运营方密钥。")
	return ""
}
