// Package mqtt provides MQTT client connectivity for OmniBox Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Every instance owns omnibox/{instance}/...:
//
//	omnibox/{instance}/status        retained online/offline status
//	omnibox/{instance}/usage         usage events after each recorded launch
//	omnibox/{instance}/record        launches reported by other processes
//	omnibox/{instance}/pool/{db}     retained handle pool statistics
//
// # Security Considerations
//
//   - TLS should be enabled whenever the broker is not on localhost
//   - Usage events carry command texts; restrict subscribers via broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Instance.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().Usage(), event, false)
package mqtt
