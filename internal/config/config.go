package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"assembly-line-supervisor/internal/mqtt"
	"assembly-line-supervisor/internal/persistence"
	"assembly-line-supervisor/internal/supervisor"
	"assembly-line-supervisor/internal/topic"
	"assembly-line-supervisor/internal/types"
)

// EnvPrefix 环境变量前缀，例如 LINE_MQTT_BROKER 覆盖 mqtt.broker
const EnvPrefix = "LINE"

// Config 应用配置，使用 mapstructure 标签映射 config.yaml
type Config struct {
	Line      LineConfig        `mapstructure:"line"`
	MQTT      mqtt.ClientConfig `mapstructure:"mqtt"`
	Topics    topic.Scheme      `mapstructure:"topics"`
	Vision    VisionConfig      `mapstructure:"vision"`
	Queue     QueueConfig       `mapstructure:"queue"`
	Storage   StorageConfig     `mapstructure:"storage"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Readiness ReadinessConfig   `mapstructure:"readiness"`
	Pallets   []PalletCard      `mapstructure:"pallets"`
	Camera    CameraConfig      `mapstructure:"camera"`
	Log       LogConfig         `mapstructure:"log"`
}

type LineConfig struct {
	Stations       int           `mapstructure:"stations"`
	Model          string        `mapstructure:"model"`
	StatusInterval time.Duration `mapstructure:"status_interval"` // producao/status 推送周期
}

// VisionConfig 视觉门参数，修改后热生效
type VisionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Stations      []int         `mapstructure:"stations"` // 空表示全部工站
	MinStable     time.Duration `mapstructure:"min_stable"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

type QueueConfig struct {
	Size       int           `mapstructure:"size"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Spool      string        `mapstructure:"spool"` // 重试耗尽的任务写入此文件
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type ReadinessConfig struct {
	Rule string `mapstructure:"rule"`
}

// PalletCard NFC 卡号与托盘编号。
// 使用列表而不是映射：viper 会把映射的键转成小写。
type PalletCard struct {
	Card   string `mapstructure:"card"`
	Pallet string `mapstructure:"pallet"`
}

type CameraConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("line.stations", 3)
	v.SetDefault("line.model", "")
	v.SetDefault("line.status_interval", time.Second)

	v.SetDefault("mqtt.broker", "mqtt://localhost:1883")
	v.SetDefault("mqtt.client_id", "line-supervisor")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keep_alive", 30)

	def := topic.Default()
	v.SetDefault("topics.device_root", def.DeviceRoot)
	v.SetDefault("topics.device_transport", def.DeviceTransport)
	v.SetDefault("topics.device_role", def.DeviceRole)
	v.SetDefault("topics.vision_root", def.VisionRoot)
	v.SetDefault("topics.vision_role", def.VisionRole)
	v.SetDefault("topics.feeder", def.Feeder)
	v.SetDefault("topics.feeder_payload", def.FeederPayload)
	v.SetDefault("topics.camera", def.Camera)
	v.SetDefault("topics.line_control", def.LineControl)

	vis := supervisor.DefaultVisionConfig()
	v.SetDefault("vision.enabled", vis.Enabled)
	v.SetDefault("vision.min_stable", vis.MinStable)
	v.SetDefault("vision.max_age", vis.MaxAge)
	v.SetDefault("vision.alert_cooldown", vis.AlertCooldown)

	q := persistence.DefaultQueueConfig()
	v.SetDefault("queue.size", q.Size)
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.base_delay", q.BaseDelay)
	v.SetDefault("queue.max_delay", q.MaxDelay)
	v.SetDefault("queue.spool", "failed_jobs.spool")

	v.SetDefault("storage.path", "linha.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("readiness.rule", "")
	v.SetDefault("camera.enabled", false)
	v.SetDefault("log.level", "info")
}

// Load 读取配置。path 为空时在当前目录查找 config.yaml，找不到则只使用默认值与环境变量。
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	if c.Line.Stations < 1 {
		return fmt.Errorf("line.stations must be at least 1, got %d", c.Line.Stations)
	}
	for _, id := range c.Vision.Stations {
		if id < 0 || id >= c.Line.Stations {
			return fmt.Errorf("vision.stations: station %d outside line of %d", id, c.Line.Stations)
		}
	}
	for _, p := range c.Pallets {
		if !types.ValidPalletCode(p.Pallet) {
			return fmt.Errorf("pallets: invalid pallet code %q for card %q", p.Pallet, p.Card)
		}
	}
	if c.Line.StatusInterval <= 0 {
		return fmt.Errorf("line.status_interval must be positive")
	}
	return nil
}

// SupervisorVision 转换为监督器的视觉门参数
func (c *Config) SupervisorVision() supervisor.VisionConfig {
	ids := make([]types.StationID, len(c.Vision.Stations))
	for i, id := range c.Vision.Stations {
		ids[i] = types.StationID(id)
	}
	return supervisor.VisionConfig{
		Enabled:       c.Vision.Enabled,
		Stations:      ids,
		MinStable:     c.Vision.MinStable,
		MaxAge:        c.Vision.MaxAge,
		AlertCooldown: c.Vision.AlertCooldown,
	}
}

// QueueSettings 转换为持久化队列参数
func (c *Config) QueueSettings() persistence.QueueConfig {
	return persistence.QueueConfig{
		Size:       c.Queue.Size,
		MaxRetries: c.Queue.MaxRetries,
		BaseDelay:  c.Queue.BaseDelay,
		MaxDelay:   c.Queue.MaxDelay,
	}
}

// CardMap 卡号 -> 托盘
func (c *Config) CardMap() map[string]string {
	m := make(map[string]string, len(c.Pallets))
	for _, p := range c.Pallets {
		m[p.Card] = p.Pallet
	}
	return m
}

// LogLevel 解析日志级别，无法识别时为 info
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Watch 监听配置文件变化，重新解析成功后调用 onChange。
// 解析失败时保留旧配置。
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	logger = logger.With("component", "config")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Error("配置重新加载失败，保留旧配置", "file", e.Name, "error", err)
			return
		}
		logger.Info("配置已重新加载", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
