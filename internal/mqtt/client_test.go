package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicsMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"rastreio/+/+/dispositivo", "rastreio/esp32/posto_1/dispositivo", true},
		{"rastreio/+/+/dispositivo", "rastreio/esp32/posto_1/sistema", false},
		{"rastreio/+/+/dispositivo", "rastreio/esp32/dispositivo", false},
		{"visao/#", "visao/posto_0/estado", true},
		{"visao/+/estado", "visao/2/estado", true},
		{"ControleProducao_DD", "ControleProducao_DD", true},
		{"ControleProducao_DD", "ControleProducao_DE", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicsMatch(tc.filter, tc.topic), "%s ~ %s", tc.filter, tc.topic)
	}
	assert.Equal(t, "visao/+/estado", topicFilter("$share/sup/visao/+/estado"))
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{})
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "localhost"})
	require.Error(t, err, "scheme and host are required")

	c, err := NewClient(&ClientConfig{BrokerURL: "mqtt://localhost:1883", ClientID: "sup"})
	require.NoError(t, err)
	assert.False(t, c.IsConnected())

	require.ErrorIs(t, c.Publish(context.Background(), "x", 0, false, nil), ErrNotStarted)
}

func TestDispatch_InRegistrationOrder(t *testing.T) {
	c := &pahoClient{cfg: &ClientConfig{}, logger: discardLogger()}
	var got []string
	c.store(subscriptionEntry{topic: "rastreio/+/+/dispositivo", handler: func(_ context.Context, topic string, p []byte) {
		got = append(got, "device:"+string(p))
	}})
	c.store(subscriptionEntry{topic: "rastreio/#", handler: func(_ context.Context, topic string, p []byte) {
		got = append(got, "all:"+string(p))
	}})

	assert.True(t, c.dispatch("rastreio/esp32/posto_0/dispositivo", []byte("BS")))
	assert.True(t, c.dispatch("rastreio/esp32/posto_0/dispositivo", []byte("BT1")))
	assert.False(t, c.dispatch("visao/posto_0/estado", []byte("DONE")))
	assert.Equal(t, []string{"device:BS", "all:BS", "device:BT1", "all:BT1"}, got)

	c.remove("rastreio/#")
	got = nil
	c.dispatch("rastreio/esp32/posto_0/dispositivo", []byte("BD"))
	assert.Equal(t, []string{"device:BD"}, got)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
