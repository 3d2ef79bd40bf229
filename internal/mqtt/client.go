package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

var ErrNotStarted = errors.New("mqtt client not started")

type pahoClient struct {
	cfg    *ClientConfig
	cm     *autopaho.ConnectionManager
	logger *slog.Logger

	connected atomic.Bool
	// 连接建立时的回调 (在重新订阅之后执行)
	onUp []func(ctx context.Context)

	mu   sync.RWMutex
	subs []subscriptionEntry // 按注册顺序匹配
}

type subscriptionEntry struct {
	topic   string
	qos     int
	handler MessageHandler
}

// Option 客户端选项
type Option func(*pahoClient)

// WithLogger 注入日志
func WithLogger(l *slog.Logger) Option { return func(c *pahoClient) { c.logger = l } }

// WithOnConnect 每次连接 (含重连) 成功后执行
func WithOnConnect(fn func(ctx context.Context)) Option {
	return func(c *pahoClient) { c.onUp = append(c.onUp, fn) }
}

// NewClient 创建客户端，配置非法时返回错误
func NewClient(cfg *ClientConfig, opts ...Option) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	c := &pahoClient{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "mqtt", "client_id", cfg.ClientID)
	return c, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(c.cfg.ReconnectDelay),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		WillMessage:                   c.willMessage(),
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.router,
			},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	}
	if brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" || brokerURL.Scheme == "mqtts" {
		pahoCfg.TlsCfg = &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify}
	}

	c.logger.Info("连接 MQTT broker", "broker", c.cfg.BrokerURL)
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	if err := c.cm.Disconnect(ctx); err != nil {
		c.logger.Warn("MQTT 断开连接失败", "error", err)
		return
	}
	c.connected.Store(false)
	c.logger.Info("MQTT 已断开")
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	c.store(subscriptionEntry{topic: topic, qos: qos, handler: handler})

	// 未连接时由 onConnectionUp 负责订阅
	if !c.IsConnected() {
		c.logger.Debug("尚未连接，订阅延后", "topic", topic)
		return nil
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: byte(qos)}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("已订阅", "topic", topic)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, topic string) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	c.remove(topic)
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool { return c.connected.Load() }

func (c *pahoClient) store(e subscriptionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.subs {
		if c.subs[i].topic == e.topic {
			c.subs[i] = e
			return
		}
	}
	c.subs = append(c.subs, e)
}

func (c *pahoClient) remove(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.subs {
		if c.subs[i].topic == topic {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *pahoClient) entries() []subscriptionEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]subscriptionEntry(nil), c.subs...)
}

// onConnectionUp 连接 (重连) 成功：重新订阅全部主题，再执行连接回调
func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	c.logger.Info("MQTT 已连接")

	subs := c.entries()
	if len(subs) > 0 {
		req := &paho.Subscribe{}
		for _, e := range subs {
			req.Subscriptions = append(req.Subscriptions, paho.SubscribeOptions{Topic: e.topic, QoS: byte(e.qos)})
		}
		if _, err := cm.Subscribe(context.Background(), req); err != nil {
			c.logger.Error("重新订阅失败", "error", err)
		} else {
			c.logger.Info("已重新订阅", "topics", len(subs))
		}
	}
	for _, fn := range c.onUp {
		// 连接回调里不能同步等待 broker 应答，放到单独的协程
		go fn(context.Background())
	}
}

func (c *pahoClient) onConnectError(err error) {
	c.connected.Store(false)
	c.logger.Warn("MQTT 连接失败，稍后重试", "error", err)
}

func (c *pahoClient) onClientError(err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT 客户端错误", "error", err)
}

func (c *pahoClient) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.logger.Warn("broker 要求断开", "code", d.ReasonCode, "reason", reason)
}

// router 按订阅注册顺序分发。处理函数同步执行以保持消息顺序。
func (c *pahoClient) router(p paho.PublishReceived) (bool, error) {
	c.dispatch(p.Packet.Topic, p.Packet.Payload)
	return true, nil
}

func (c *pahoClient) dispatch(topic string, payload []byte) bool {
	matched := false
	for _, e := range c.entries() {
		if TopicsMatch(topicFilter(e.topic), topic) {
			e.handler(context.Background(), topic, payload)
			matched = true
		}
	}
	if !matched {
		c.logger.Debug("收到未订阅主题的消息", "topic", topic)
	}
	return matched
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}
