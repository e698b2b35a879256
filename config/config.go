package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// ChainConfig 链客户端配置：RPC 端点、合约地址、管理员签名私钥
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	AdminKeyHex     string `yaml:"admin_key_hex"`
	GasLimit        uint64 `yaml:"gas_limit"`
}

// EscrowConfig 托管核心的策略与调度参数
type EscrowConfig struct {
	ConfirmTimeout     time.Duration `yaml:"confirm_timeout"`     // 等待链上确认的上限
	PollInterval       time.Duration `yaml:"poll_interval"`       // Sync Poller 扫描间隔
	FreshnessThreshold time.Duration `yaml:"freshness_threshold"` // 超过该时长未校验的记录会被重新核对
	CancelOnRefund     bool          `yaml:"cancel_on_refund"`    // 单个里程碑退款是否取消整个项目
	AllowDirectRelease bool          `yaml:"allow_direct_release"`
}

type Config struct {
	DB     DBConfig     `yaml:"db"`
	MQ     MQConfig     `yaml:"mq"`
	Redis  RedisConfig  `yaml:"redis"`
	JWT    JWTConfig    `yaml:"jwt"`
	Server ServerConfig `yaml:"server"`
	Chain  ChainConfig  `yaml:"chain"`
	Escrow EscrowConfig `yaml:"escrow"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	// 环境变量覆盖（生产环境使用）
	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg
}

func overrideFromEnv(cfg *Config) {
	// DB配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	// MQ配置
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	// Redis配置
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// JWT配置
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	// Server配置
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// 链配置：私钥只允许从环境变量注入，不落盘
	if rpc := os.Getenv("CHAIN_RPC_URL"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Chain.ChainID = v
		}
	}
	if addr := os.Getenv("ESCROW_CONTRACT_ADDRESS"); addr != "" {
		cfg.Chain.ContractAddress = addr
	}
	if key := os.Getenv("CHAIN_ADMIN_KEY"); key != "" {
		cfg.Chain.AdminKeyHex = key
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 300_000
	}
	if cfg.Escrow.ConfirmTimeout == 0 {
		cfg.Escrow.ConfirmTimeout = 90 * time.Second
	}
	if cfg.Escrow.PollInterval == 0 {
		cfg.Escrow.PollInterval = 30 * time.Second
	}
	if cfg.Escrow.FreshnessThreshold == 0 {
		cfg.Escrow.FreshnessThreshold = 10 * time.Minute
	}
}
