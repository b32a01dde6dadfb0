// Package config 应用配置加载
package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Host     HostConfig     `mapstructure:"host"`
	Ticket   TicketConfig   `mapstructure:"ticket"`
	Registry RegistryConfig `mapstructure:"registry"`
	Cleaner  CleanerConfig  `mapstructure:"cleaner"`
	OTP      OTPConfig      `mapstructure:"otp"`
}

// ServerConfig 运维监听配置（健康检查与指标）
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"` // /admin 接口的 Bearer 令牌，为空时拒绝全部请求
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	LogLevel string         `mapstructure:"log_level"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// SQLiteConfig SQLite 配置（单节点或测试环境）
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json 或 console
}

// HostConfig 集群节点标识
type HostConfig struct {
	// Name 节点唯一标识，为空时使用主机名
	Name string `mapstructure:"name"`
}

// TicketConfig 各类票据的过期策略参数
type TicketConfig struct {
	TGT TGTConfig `mapstructure:"tgt"`
	ST  STConfig  `mapstructure:"st"`
	PGT TGTConfig `mapstructure:"pgt"`
	PT  STConfig  `mapstructure:"pt"`
}

// TGTConfig TGT 过期策略：空闲超时 + 绝对超时
type TGTConfig struct {
	MaxTimeToLive time.Duration `mapstructure:"max_time_to_live"`
	TimeToKill    time.Duration `mapstructure:"time_to_kill"`
}

// STConfig ST 过期策略：使用次数 + 有效期
type STConfig struct {
	TimeToLive   time.Duration `mapstructure:"time_to_live"`
	NumberOfUses int           `mapstructure:"number_of_uses"`
}

// RegistryConfig 票据注册表配置
type RegistryConfig struct {
	// Backend 存储后端：memory、gorm、redis、bolt
	Backend   string       `mapstructure:"backend"`
	BoltPath  string       `mapstructure:"bolt_path"`
	KeyPrefix string       `mapstructure:"key_prefix"`
	Crypto    CryptoConfig `mapstructure:"crypto"`
}

// CryptoConfig 票据加密配置
type CryptoConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Alg 加密算法：aead（XChaCha20-Poly1305）或 age
	Alg string `mapstructure:"alg"`
	// EncryptionKey aead 模式下的 base64 密钥（32 字节）
	EncryptionKey string `mapstructure:"encryption_key"`
	// AgeIdentity age 模式下的私钥（AGE-SECRET-KEY-1...）
	AgeIdentity string `mapstructure:"age_identity"`
	// SigningKey base64 签名密钥（32 字节），为空时不签名
	SigningKey string `mapstructure:"signing_key"`
}

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	AppID          string        `mapstructure:"app_id"`
	StartDelay     time.Duration `mapstructure:"start_delay"`
	RepeatInterval time.Duration `mapstructure:"repeat_interval"`
	LockingTimeout time.Duration `mapstructure:"locking_timeout"`

	// UnreadableRetention 无法解密的记录保留时长，应大于最长的票据生命周期
	UnreadableRetention time.Duration `mapstructure:"unreadable_retention"`
}

// OTPConfig 一次性令牌仓库配置
type OTPConfig struct {
	// Backend 存储后端：memory 或 redis
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaximumSize   int           `mapstructure:"maximum_size"`
	CleanInterval time.Duration `mapstructure:"clean_interval"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Load 从默认路径加载配置
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// 支持环境变量覆盖
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalMu.Lock()
	global = &cfg
	globalMu.Unlock()

	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 运维监听默认配置
	v.SetDefault("server.addr", "127.0.0.1:9090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "cas_tickets")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "UTC")
	v.SetDefault("database.sqlite.path", "./data/cas.db")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	// 票据过期策略默认配置
	v.SetDefault("ticket.tgt.max_time_to_live", "8h")
	v.SetDefault("ticket.tgt.time_to_kill", "2h")
	v.SetDefault("ticket.st.time_to_live", "10s")
	v.SetDefault("ticket.st.number_of_uses", 1)
	v.SetDefault("ticket.pgt.max_time_to_live", "8h")
	v.SetDefault("ticket.pgt.time_to_kill", "2h")
	v.SetDefault("ticket.pt.time_to_live", "10s")
	v.SetDefault("ticket.pt.number_of_uses", 1)

	// 注册表默认配置
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.bolt_path", "./data/tickets.db")
	v.SetDefault("registry.key_prefix", "cas:")
	v.SetDefault("registry.crypto.enabled", false)
	v.SetDefault("registry.crypto.alg", "aead")

	// 清理任务默认配置
	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.app_id", "cas-ticket-registry-cleaner")
	v.SetDefault("cleaner.start_delay", "20s")
	v.SetDefault("cleaner.repeat_interval", "2m")
	v.SetDefault("cleaner.locking_timeout", "1h")
	v.SetDefault("cleaner.unreadable_retention", "24h")

	// 一次性令牌默认配置
	v.SetDefault("otp.backend", "memory")
	v.SetDefault("otp.ttl", "30s")
	v.SetDefault("otp.maximum_size", 10000)
	v.SetDefault("otp.clean_interval", "15s")
	v.SetDefault("otp.key_prefix", "cas:otp:")
}
