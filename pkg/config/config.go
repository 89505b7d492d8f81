package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	DB      DBConfig      `mapstructure:"db"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Stacks  StacksConfig  `mapstructure:"stacks"`
	Gateway GatewayConfig `mapstructure:"gateway"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// StacksConfig 链侧配置：索引服务 (只读查询)、节点 RPC (广播)、结算合约位置
type StacksConfig struct {
	ApiURL       string `mapstructure:"api_url"`
	NodeURL      string `mapstructure:"node_url"`
	Network      string `mapstructure:"network"` // "mainnet" or "testnet"
	ContractID   string `mapstructure:"contract_id"`
	KeystorePath string `mapstructure:"keystore_path"` // 运营方密钥库文件
	Password     string `mapstructure:"password"`      // 密钥库口令 (通常通过环境变量 STACKS_PASSWORD 传入)
}

// GatewayConfig 对账引擎参数
type GatewayConfig struct {
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"` // 对账周期
	BatchSize           int     `mapstructure:"batch_size"`            // 每周期最多处理的支付数
	TolerancePercent    float64 `mapstructure:"tolerance_percent"`     // 允许的少付比例, 1 = 1%
	PlatformFeePercent  float64 `mapstructure:"platform_fee_percent"`  // 商户未单独配置时的平台费率
	FeeReserveUstx      int64   `mapstructure:"fee_reserve_ustx"`      // 每笔链上交易预留的矿工费 (micro-STX)
	ReservedTxCount     int64   `mapstructure:"reserved_tx_count"`     // 需要预留矿工费的交易笔数 (settle + transfer)
	PaymentExpiryMins   int     `mapstructure:"payment_expiry_mins"`   // 新建支付的默认有效期
	CycleLockTTLSeconds int     `mapstructure:"cycle_lock_ttl_seconds"`
}

var Global Config

func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// 环境变量覆盖: gateway.batch_size -> GATEWAY_BATCH_SIZE
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "gateway_user")
	viper.SetDefault("db.password", "gateway_password")
	viper.SetDefault("db.name", "gateway_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("stacks.api_url", "https://api.testnet.hiro.so")
	viper.SetDefault("stacks.node_url", "https://api.testnet.hiro.so")
	viper.SetDefault("stacks.network", "testnet")
	viper.SetDefault("stacks.keystore_path", "operator.json")

	viper.SetDefault("gateway.poll_interval_seconds", 30)
	viper.SetDefault("gateway.batch_size", 50)
	viper.SetDefault("gateway.tolerance_percent", 1.0)
	viper.SetDefault("gateway.platform_fee_percent", 1.0)
	viper.SetDefault("gateway.fee_reserve_ustx", 10000)
	viper.SetDefault("gateway.reserved_tx_count", 2)
	viper.SetDefault("gateway.payment_expiry_mins", 60)
	viper.SetDefault("gateway.cycle_lock_ttl_seconds", 25)
}
