package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ClientConfig MQTT 客户端参数
type ClientConfig struct {
	BrokerURL string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`

	// KeepAlive 秒，默认 30
	KeepAlive uint16 `mapstructure:"keep_alive"`
	// ConnectTimeout 默认 5s
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// ReconnectDelay 断线后的固定重连间隔，默认 3s
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	CleanStart    bool   `mapstructure:"clean_start"`
	SessionExpiry uint32 `mapstructure:"session_expiry"`

	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	// 遗嘱消息，WillTopic 为空时不设置
	WillTopic   string `mapstructure:"will_topic"`
	WillPayload []byte `mapstructure:"-"`
	WillQoS     byte   `mapstructure:"will_qos"`
	WillRetain  bool   `mapstructure:"will_retain"`
}

func setDefaultConfig(cfg *ClientConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
}

// Validate 检查 broker 地址
func (c *ClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker url %q needs scheme and host", c.BrokerURL)
	}
	if c.WillQoS > 2 {
		return fmt.Errorf("invalid will qos %d", c.WillQoS)
	}
	return nil
}
