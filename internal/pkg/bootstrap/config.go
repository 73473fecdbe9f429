// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构，从 YAML 文件加载，
// 个别字段允许环境变量覆盖（见 applyEnvOverrides）。
type Config struct {
	App struct {
		ServiceName string `yaml:"serviceName"`
		Port        int    `yaml:"port"`
	} `yaml:"app"`

	Infra struct {
		MySQL struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addrs string `yaml:"addrs"`
		} `yaml:"redis"`
		Kafka struct {
			Brokers string `yaml:"brokers"`
		} `yaml:"kafka"`
		Zookeeper struct {
			Addrs          string        `yaml:"addrs"`
			SessionTimeout time.Duration `yaml:"sessionTimeout"`
		} `yaml:"zookeeper"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Nacos struct {
			ServerAddrs string `yaml:"serverAddrs"`
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
		} `yaml:"nacos"`
	} `yaml:"infra"`

	// Gateways 是外部协作方的入口地址。
	Gateways struct {
		PaymentURL string `yaml:"paymentUrl"`
		DeviceURL  string `yaml:"deviceUrl"`
	} `yaml:"gateways"`

	// Timeout 是四类超时扫描的策略值，可调优，不允许硬编码在业务里。
	Timeout TimeoutConfig `yaml:"timeout"`
}

// TimeoutConfig 对应订单生命周期的四个超时阈值。
// Usage 超时不是固定时长，而是下单时长的倍数。
type TimeoutConfig struct {
	Payment         time.Duration `yaml:"payment"`         // 创建后多久未支付则取消
	DeviceStart     time.Duration `yaml:"deviceStart"`     // 支付后多久设备未启动则退款
	UsageMultiplier float64       `yaml:"usageMultiplier"` // 订单时长 × 倍数，超过则强制完成
	Settlement      time.Duration `yaml:"settlement"`      // 完成后多久未结算则补偿
	SweepInterval   time.Duration `yaml:"sweepInterval"`   // 每类扫描的轮询间隔
}

var currentConfig atomic.Value // *Config

// LoadConfig 从 path 加载配置并设为全局当前配置。
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	currentConfig.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回最近一次加载的配置。
// 未显式加载时返回默认值，便于测试。
func GetCurrentConfig() *Config {
	if cfg, ok := currentConfig.Load().(*Config); ok {
		return cfg
	}
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	currentConfig.Store(cfg)
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Port = 8080
	cfg.Infra.MySQL.DSN = "root:root@tcp(localhost:3306)/washlink?charset=utf8mb4&parseTime=True&loc=Local"
	cfg.Infra.Redis.Addrs = "localhost:6379"
	cfg.Infra.Kafka.Brokers = "localhost:9092"
	cfg.Infra.Zookeeper.Addrs = "localhost:2181"
	cfg.Infra.Zookeeper.SessionTimeout = 5 * time.Second
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Nacos.ServerAddrs = "localhost:8848"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	cfg.Gateways.PaymentURL = "http://localhost:9001/gateway"
	cfg.Gateways.DeviceURL = "http://localhost:9002/device"
	cfg.Timeout = TimeoutConfig{
		Payment:         15 * time.Minute,
		DeviceStart:     5 * time.Minute,
		UsageMultiplier: 2.0,
		Settlement:      60 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("MYSQL_DSN"); ok {
		cfg.Infra.MySQL.DSN = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDRS"); ok {
		cfg.Infra.Redis.Addrs = v
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		cfg.Infra.Kafka.Brokers = v
	}
	if v, ok := os.LookupEnv("ZK_ADDRS"); ok {
		cfg.Infra.Zookeeper.Addrs = v
	}
	if v, ok := os.LookupEnv("JAEGER_ENDPOINT"); ok {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v, ok := os.LookupEnv("NACOS_SERVER_ADDRS"); ok {
		cfg.Infra.Nacos.ServerAddrs = v
	}
	if v, ok := os.LookupEnv("NACOS_NAMESPACE"); ok {
		cfg.Infra.Nacos.Namespace = v
	}
	if v, ok := os.LookupEnv("NACOS_GROUP"); ok {
		cfg.Infra.Nacos.Group = v
	}
}
