package config

import (
	"fmt"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/util"
)

type Database struct {
	Host     string
	Port     int
	Username string
	Password string `json:"-"` // sensitive
	Database string
	SSLMode  string
}

// ConnectionString 拼接 lib/pq DSN
func (d Database) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

type EchoServer struct {
	ListenAddress             string
	HideInternalServerErrors  bool
	EnableRecoverMiddleware   bool
	EnableRequestIDMiddleware bool
	EnableLoggerMiddleware    bool
}

type RedisServer struct {
	Enabled bool
	URL     string
}

type AuthServer struct {
	JWTSecret   string `json:"-"` // sensitive
	TokenExpiry time.Duration
}

// Signing 签名协调器运行参数
type Signing struct {
	// SessionTTL 新会话的默认截止窗口
	SessionTTL time.Duration
	// ExpiryInterval 过期清扫周期
	ExpiryInterval time.Duration
	// RetentionWindow 终态会话保留窗口，过后删除
	RetentionWindow time.Duration
	// CacheTTL 会话缓存条目寿命
	CacheTTL time.Duration
	// GroupsFile 群配置（参与者密钥、群公钥、MFA 策略）JSON 路径
	GroupsFile string
	// EventChannel 会话事件发布的 Redis 频道
	EventChannel string
	// ApprovalChannel 硬件审批请求下发的 Redis 频道
	ApprovalChannel string
}

type LoggerServer struct {
	Level              string
	PrettyPrintConsole bool
}

type Server struct {
	Database Database
	Echo     EchoServer
	Redis    RedisServer
	Auth     AuthServer
	Signing  Signing
	Logger   LoggerServer
}

// DefaultServiceConfigFromEnv returns the server config as parsed from the
// environment, with sane defaults for local development.
func DefaultServiceConfigFromEnv() Server {
	return Server{
		Database: Database{
			Host:     util.GetEnv("PGHOST", "postgres"),
			Port:     util.GetEnvAsInt("PGPORT", 5432),
			Username: util.GetEnv("PGUSER", "dbuser"),
			Password: util.GetEnv("PGPASSWORD", ""),
			Database: util.GetEnv("PGDATABASE", "development"),
			SSLMode:  util.GetEnv("PGSSLMODE", "disable"),
		},
		Echo: EchoServer{
			ListenAddress:             util.GetEnv("SERVER_ECHO_LISTEN_ADDRESS", ":8080"),
			HideInternalServerErrors:  util.GetEnvAsBool("SERVER_ECHO_HIDE_INTERNAL_SERVER_ERRORS", true),
			EnableRecoverMiddleware:   util.GetEnvAsBool("SERVER_ECHO_ENABLE_RECOVER_MIDDLEWARE", true),
			EnableRequestIDMiddleware: util.GetEnvAsBool("SERVER_ECHO_ENABLE_REQUEST_ID_MIDDLEWARE", true),
			EnableLoggerMiddleware:    util.GetEnvAsBool("SERVER_ECHO_ENABLE_LOGGER_MIDDLEWARE", true),
		},
		Redis: RedisServer{
			Enabled: util.GetEnvAsBool("SERVER_REDIS_ENABLED", false),
			URL:     util.GetEnv("SERVER_REDIS_URL", "redis://redis:6379/0"),
		},
		Auth: AuthServer{
			JWTSecret:   util.GetEnv("SERVER_AUTH_JWT_SECRET", "insecure-dev-secret"),
			TokenExpiry: util.GetEnvAsDuration("SERVER_AUTH_TOKEN_EXPIRY", 24*time.Hour),
		},
		Signing: Signing{
			SessionTTL:      util.GetEnvAsDuration("SERVER_SIGNING_SESSION_TTL", 10*time.Minute),
			ExpiryInterval:  util.GetEnvAsDuration("SERVER_SIGNING_EXPIRY_INTERVAL", 15*time.Second),
			RetentionWindow: util.GetEnvAsDuration("SERVER_SIGNING_RETENTION_WINDOW", 30*24*time.Hour),
			CacheTTL:        util.GetEnvAsDuration("SERVER_SIGNING_CACHE_TTL", 5*time.Minute),
			GroupsFile:      util.GetEnv("SERVER_SIGNING_GROUPS_FILE", "/app/config/groups.json"),
			EventChannel:    util.GetEnv("SERVER_SIGNING_EVENT_CHANNEL", "signing.events"),
			ApprovalChannel: util.GetEnv("SERVER_SIGNING_APPROVAL_CHANNEL", "signing.approvals"),
		},
		Logger: LoggerServer{
			Level:              util.GetEnv("SERVER_LOGGER_LEVEL", "info"),
			PrettyPrintConsole: util.GetEnvAsBool("SERVER_LOGGER_PRETTY_PRINT_CONSOLE", false),
		},
	}
}
