package devicebus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assembly-line-supervisor/internal/mqtt"
	"assembly-line-supervisor/internal/topic"
	"assembly-line-supervisor/internal/types"
)

type published struct {
	topic   string
	qos     int
	payload string
}

type fakeBroker struct {
	handlers map[string]mqtt.MessageHandler
	out      []published
	err      error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Subscribe(_ context.Context, filter string, _ int, h mqtt.MessageHandler) error {
	b.handlers[filter] = h
	return nil
}

func (b *fakeBroker) Publish(_ context.Context, t string, qos int, _ bool, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.out = append(b.out, published{topic: t, qos: qos, payload: string(payload)})
	return nil
}

func (b *fakeBroker) deliver(t, payload string) {
	for filter, h := range b.handlers {
		if mqtt.TopicsMatch(filter, t) {
			h(context.Background(), t, []byte(payload))
		}
	}
}

type recorder struct {
	device, vision []string
}

func (r *recorder) HandleDeviceMessage(t string, p []byte) { r.device = append(r.device, t+"="+string(p)) }
func (r *recorder) HandleVisionMessage(t string, p []byte) { r.vision = append(r.vision, t+"="+string(p)) }

func TestListener_RoutesDeviceAndVision(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	l := NewListener(b, topic.Default(), rec, nil)
	require.NoError(t, l.Start(context.Background()))

	b.deliver("rastreio/esp32/posto_1/dispositivo", "BS")
	b.deliver("visao/posto_1/estado", "FINALIZADO")
	b.deliver("rastreio_nfc/raspberry/posto_1/sistema", "batedor")

	assert.Equal(t, []string{"rastreio/esp32/posto_1/dispositivo=BS"}, rec.device)
	assert.Equal(t, []string{"visao/posto_1/estado=FINALIZADO"}, rec.vision)
}

func TestCommander_Topics(t *testing.T) {
	b := newFakeBroker()
	c := NewCommander(b, topic.Default(), nil)
	ctx := context.Background()

	require.NoError(t, c.ActivateFeeder(ctx, 2))
	require.NoError(t, c.LineSignal(ctx, true))
	require.NoError(t, c.Camera(ctx, 1, true))
	require.NoError(t, c.Camera(ctx, 1, false))
	require.NoError(t, c.PublishToken(ctx, 0, types.TokenDispatch))
	c.OnConnect(ctx)

	assert.Equal(t, []published{
		{"rastreio_nfc/raspberry/posto_2/sistema", 0, "batedor"},
		{"ControleProducao_DD", 0, "Start"},
		{"sistema/camera/posto_1", 0, "restart"},
		{"sistema/camera/posto_1", 0, "stop"},
		{"rastreio/esp32/posto_0/dispositivo", 0, "BD"},
		{"ControleProducao_DD", 0, "Stop"},
	}, b.out)
}

func TestCommander_PropagatesPublishError(t *testing.T) {
	b := newFakeBroker()
	b.err = errors.New("offline")
	c := NewCommander(b, topic.Default(), nil)

	assert.Error(t, c.ActivateFeeder(context.Background(), 0))
	c.OnConnect(context.Background()) // 只记录日志
}
