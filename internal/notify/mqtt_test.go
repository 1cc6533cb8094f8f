package notify

import (
	"context"
	"testing"

	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestTopic(t *testing.T) {
	m := NewMQTT(MQTTConfig{Broker: "localhost:1883"})
	assert.Equal(t, "facequeue/results/alice", m.Topic(types.ResponseMessage{FileName: "a.jpg", Prediction: "alice"}))

	m = NewMQTT(MQTTConfig{TopicPrefix: "lab/door"})
	assert.Equal(t, "lab/door/no-face", m.Topic(types.ResponseMessage{Prediction: types.NoFaceLabel}))
}

func TestPublishRequiresConnection(t *testing.T) {
	m := NewMQTT(MQTTConfig{Broker: "localhost:1883"})
	err := m.Publish(context.Background(), types.ResponseMessage{FileName: "a.jpg", Prediction: "alice"})
	assert.Error(t, err)
	assert.Zero(t, m.Published())
	m.Close()
}
