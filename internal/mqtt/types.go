package mqtt

import (
	"context"
)

// MessageHandler 收到消息时的回调。回调在 paho 的接收协程中同步执行，
// 同一连接上的消息按到达顺序处理，回调不应长时间阻塞。
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client 屏蔽 paho 细节的 MQTT 客户端
type Client interface {
	// Start 建立连接，非阻塞；需要等待连接时调用 AwaitConnection
	Start(ctx context.Context) error

	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe 注册处理函数并发送 SUBSCRIBE。断线重连后自动重新订阅。
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, topic string) error

	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
