// Package devicebus 连接监督器与设备总线：订阅设备/视觉上报并路由到监督器，
// 把监督器的命令 (batedor、相机、产线信号、令牌) 发布到对应主题。
package devicebus

import (
	"context"
	"fmt"
	"log/slog"

	"assembly-line-supervisor/internal/mqtt"
	"assembly-line-supervisor/internal/topic"
	"assembly-line-supervisor/internal/types"
)

// 线上负载
const (
	LineStart     = "Start"
	LineStop      = "Stop"
	CameraRestart = "restart"
	CameraStop    = "stop"
)

// 订阅使用 QoS 1；命令为发后即忘，使用 QoS 0，
// 这样在消息回调内部发布命令时不会等待 broker 应答。
const (
	subscribeQoS = 1
	commandQoS   = 0
)

// Handler 设备消息的消费者 (监督器)
type Handler interface {
	HandleDeviceMessage(topic string, payload []byte)
	HandleVisionMessage(topic string, payload []byte)
}

// Subscriber mqtt.Client 中监听需要的部分
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos int, handler mqtt.MessageHandler) error
}

// Publisher mqtt.Client 中发布需要的部分
type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// Listener 把设备与视觉主题路由到 Handler
type Listener struct {
	sub     Subscriber
	topics  topic.Scheme
	handler Handler
	logger  *slog.Logger
}

// NewListener 创建监听器
func NewListener(sub Subscriber, topics topic.Scheme, h Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{sub: sub, topics: topics, handler: h, logger: logger.With("component", "devicebus")}
}

// Start 订阅设备与视觉上报。消息在 MQTT 接收协程中同步交给 Handler。
func (l *Listener) Start(ctx context.Context) error {
	device := l.topics.DeviceFilter()
	if err := l.sub.Subscribe(ctx, device, subscribeQoS, func(_ context.Context, t string, p []byte) {
		l.handler.HandleDeviceMessage(t, p)
	}); err != nil {
		return fmt.Errorf("subscribe device topics: %w", err)
	}
	vision := l.topics.VisionFilter()
	if err := l.sub.Subscribe(ctx, vision, subscribeQoS, func(_ context.Context, t string, p []byte) {
		l.handler.HandleVisionMessage(t, p)
	}); err != nil {
		return fmt.Errorf("subscribe vision topics: %w", err)
	}
	l.logger.Info("设备总线已订阅", "device", device, "vision", vision)
	return nil
}

// Commander 通过 MQTT 发布设备命令
type Commander struct {
	pub    Publisher
	topics topic.Scheme
	logger *slog.Logger
}

// NewCommander 创建命令发布器
func NewCommander(pub Publisher, topics topic.Scheme, logger *slog.Logger) *Commander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commander{pub: pub, topics: topics, logger: logger.With("component", "commander")}
}

// ActivateFeeder 向工站的 batedor 发送放行命令
func (c *Commander) ActivateFeeder(ctx context.Context, id types.StationID) error {
	return c.publish(ctx, c.topics.FeederTopic(id), c.topics.FeederPayload)
}

// LineSignal 产线启动/停止
func (c *Commander) LineSignal(ctx context.Context, start bool) error {
	payload := LineStop
	if start {
		payload = LineStart
	}
	return c.publish(ctx, c.topics.LineControl, payload)
}

// Camera 重启或停止工站相机
func (c *Commander) Camera(ctx context.Context, id types.StationID, on bool) error {
	payload := CameraStop
	if on {
		payload = CameraRestart
	}
	return c.publish(ctx, c.topics.CameraTopic(id), payload)
}

// PublishToken 以设备身份发布令牌
func (c *Commander) PublishToken(ctx context.Context, id types.StationID, tok types.Token) error {
	return c.publish(ctx, c.topics.Device(id), tok.WireCode())
}

// OnConnect 连接建立后让设备回到停止状态
func (c *Commander) OnConnect(ctx context.Context) {
	if err := c.LineSignal(ctx, false); err != nil {
		c.logger.Warn("发送初始停线信号失败", "error", err)
	}
}

func (c *Commander) publish(ctx context.Context, t, payload string) error {
	c.logger.Debug("发布命令", "topic", t, "payload", payload)
	return c.pub.Publish(ctx, t, commandQoS, false, []byte(payload))
}
