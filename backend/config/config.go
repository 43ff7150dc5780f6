package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port     int    `mapstructure:"port"`
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab CollabConfig `mapstructure:"collab"`
}

// CollabConfig 协作引擎参数
type CollabConfig struct {
	MaxConcurrentCreates  int           `mapstructure:"maxConcurrentCreates"`
	CreateTimeout         time.Duration `mapstructure:"createTimeout"`
	LockTTL               time.Duration `mapstructure:"lockTTL"`
	LockSweepInterval     time.Duration `mapstructure:"lockSweepInterval"`
	HardLocksBlock        bool          `mapstructure:"hardLocksBlock"`
	ConflictWindow        time.Duration `mapstructure:"conflictWindow"`
	ChatHistoryLimit      int           `mapstructure:"chatHistoryLimit"`
	SubscriberBuffer      int           `mapstructure:"subscriberBuffer"`
	PresenceTTL           time.Duration `mapstructure:"presenceTTL"`
	EndedSessionRetention time.Duration `mapstructure:"endedSessionRetention"`
	MaxParticipants       int           `mapstructure:"maxParticipants"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("kafka.topic", "session-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("collab.maxConcurrentCreates", 100)
	v.SetDefault("collab.createTimeout", 2*time.Second)
	v.SetDefault("collab.lockTTL", 30*time.Minute)
	v.SetDefault("collab.lockSweepInterval", time.Minute)
	v.SetDefault("collab.hardLocksBlock", false)
	v.SetDefault("collab.conflictWindow", 5*time.Second)
	v.SetDefault("collab.chatHistoryLimit", 500)
	v.SetDefault("collab.subscriberBuffer", 1024)
	v.SetDefault("collab.presenceTTL", 600*time.Second)
	v.SetDefault("collab.endedSessionRetention", 10*time.Minute)
	v.SetDefault("collab.maxParticipants", 10)
}

// Load 读取 collabConfig.yaml，环境变量 COLLAB_* 可覆盖（如 COLLAB_RUNNING_PORT）
func Load(paths ...string) (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
