package locate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// batchRecorder records BatchHandler calls.
type batchRecorder struct {
	mock.Mock
}

func (r *batchRecorder) handle(survey string, batch *Batch, err error) {
	r.Called(survey, batch, err)
}

func TestInitMQTT_NilConfig(t *testing.T) {
	client, err := InitMQTT(nil, nil)
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := InitMQTT(DefaultConfig(), func(string, *Batch, error) {})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_EmptyObservationTopic(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	config := DefaultConfig()
	config.MQTT.Broker = "tcp://localhost:1883"
	config.MQTT.ObservationTopic = ""

	client, err := InitMQTT(config, func(string, *Batch, error) {})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, client)
}

func TestSurveyFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"treefix/observations/plot-7", "plot-7"},
		{"treefix/observations/plot-7/", "plot-7"},
		{"plot-7", "plot-7"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, SurveyFromTopic(tt.topic))
		})
	}
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_ConcurrentAccess(t *testing.T) {
	client := &MQTTClient{}

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				client.setConnected(j%2 == 0)
				_ = client.IsConnected()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestOnConnect_SubscribesObservationTopic(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)

	rec := &batchRecorder{}
	rec.On("handle", "plot-3", mock.AnythingOfType("*locate.Batch"), nil).Once()

	client := newMQTTClientWithMock(mockClient, DefaultConfig(), rec.handle)
	client.onConnect(mockClient)
	assert.True(t, client.IsConnected())

	payload := []byte(`{"id": "b1", "observations": [{"offset": [1, 2], "category": "Fagus", "size": 0.3}]}`)
	mockClient.SimulateMessage("treefix/observations/plot-3", payload)
	// not under the observation filter
	mockClient.SimulateMessage("treefix/reports", payload)

	rec.AssertExpectations(t)
	batch := rec.Calls[0].Arguments.Get(1).(*Batch)
	assert.Equal(t, "b1", batch.ID)
	require.Len(t, batch.Observations, 1)
	assert.Equal(t, "Fagus", batch.Observations[0].Category)
}

func TestMessageHandler_DecodeError(t *testing.T) {
	var gotSurvey string
	var gotBatch *Batch
	var gotErr error
	handler := func(survey string, batch *Batch, err error) {
		gotSurvey, gotBatch, gotErr = survey, batch, err
	}

	client := newMQTTClientWithMock(NewMockClient(), DefaultConfig(), handler)
	h := client.createMessageHandler()
	h(nil, &mockMessage{topic: "treefix/observations/north", payload: []byte(`{"observations": []}`)})

	assert.Equal(t, "north", gotSurvey)
	assert.Nil(t, gotBatch)
	assert.True(t, errors.Is(gotErr, ErrInvalidObservation), "err = %v", gotErr)
}

func TestMessageHandler_NilHandler(t *testing.T) {
	client := newMQTTClientWithMock(NewMockClient(), DefaultConfig(), nil)
	h := client.createMessageHandler()
	assert.NotPanics(t, func() {
		h(nil, &mockMessage{topic: "treefix/observations/x", payload: []byte("garbage")})
	})
}

func TestOnConnect_SubscribeError(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	mockClient.SetSubscribeError(errors.New("denied"))

	client := newMQTTClientWithMock(mockClient, DefaultConfig(), nil)
	assert.NotPanics(t, func() { client.onConnect(mockClient) })

	mockClient.mu.RLock()
	defer mockClient.mu.RUnlock()
	assert.Empty(t, mockClient.handlers)
}

func TestMQTTClient_Disconnect(t *testing.T) {
	// nil client must not panic
	(&MQTTClient{isConnected: true}).Disconnect()

	mockClient := NewMockClient()
	mockClient.Connect()
	client := newMQTTClientWithMock(mockClient, DefaultConfig(), nil)
	client.setConnected(true)

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mockClient.IsConnected())
	assert.Same(t, mockClient, client.GetClient())
}
