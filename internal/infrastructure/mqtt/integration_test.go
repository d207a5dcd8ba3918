//go:build integration

package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
)

// Integration tests against a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectIntegration(t *testing.T, clientID string) *Client {
	t.Helper()
	client, err := Connect(integrationConfig(clientID), "integration")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_Connect(t *testing.T) {
	client := connectIntegration(t, "omnibox-int-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.Publish(client.Topics().Usage(), []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("omnibox-int-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg, "integration"); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectIntegration(t, "omnibox-int-sub-track")
	noop := func(string, []byte) error { return nil }

	topics := []string{client.Topics().Record(), client.Topics().AllUsage()}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, noop); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	got := client.Subscriptions()
	if len(got) != 2 || got[0] != "omnibox/+/usage" || got[1] != "omnibox/integration/record" {
		t.Errorf("Subscriptions() = %v", got)
	}
}

// TestIntegration_UsageRoundtrip verifies a JSON usage event reaches a
// wildcard subscriber.
func TestIntegration_UsageRoundtrip(t *testing.T) {
	pub := connectIntegration(t, "omnibox-int-pub")
	sub := connectIntegration(t, "omnibox-int-sub")

	type event struct {
		Command string `json:"command"`
		Uses    int64  `json:"uses"`
	}

	received := make(chan event, 1)
	var once sync.Once

	err := sub.Subscribe(sub.Topics().AllUsage(), 1, func(_ string, p []byte) error {
		var ev event
		if err := json.Unmarshal(p, &ev); err != nil {
			return err
		}
		once.Do(func() { received <- ev })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(pub.Topics().Usage(), event{Command: "code", Uses: 4}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case ev := <-received:
		if ev.Command != "code" || ev.Uses != 4 {
			t.Errorf("received %+v, want code/4", ev)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestIntegration_RetainedStatus(t *testing.T) {
	connectIntegration(t, "omnibox-int-status")
	observer := connectIntegration(t, "omnibox-int-observer")

	got := make(chan Status, 1)
	var once sync.Once

	err := observer.Subscribe(observer.Topics().Status(), 1, func(_ string, p []byte) error {
		var v Status
		if err := json.Unmarshal(p, &v); err != nil {
			return err
		}
		once.Do(func() { got <- v })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case v := <-got:
		if v.State != StatusOnline && v.State != StatusOffline {
			t.Errorf("status payload = %+v", v)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for retained status")
	}
}
