package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first level of every OmniBox topic.
//
// Every instance owns the subtree omnibox/{instance}/...
const TopicRoot = "omnibox"

// Topics provides builders for the MQTT topics of one OmniBox instance.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Instance: "desk-01"}
//	topics.Usage()
//	// Returns: "omnibox/desk-01/usage"
type Topics struct {
	Instance string
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", TopicRoot, segment(t.Instance))
}

// Status returns the retained online/offline status topic.
//
// Example: omnibox/desk-01/status
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Usage returns the topic usage events are published on.
//
// Example: omnibox/desk-01/usage
func (t Topics) Usage() string {
	return t.base() + "/usage"
}

// Record returns the topic on which other processes report launches.
//
// Example: omnibox/desk-01/record
func (t Topics) Record() string {
	return t.base() + "/record"
}

// Pool returns the retained handle pool statistics topic of a database.
//
// Example: omnibox/desk-01/pool/omnibox.db
func (t Topics) Pool(database string) string {
	return fmt.Sprintf("%s/pool/%s", t.base(), segment(database))
}

// AllUsage returns a pattern matching the usage events of every instance.
//
// Pattern: omnibox/+/usage
func (Topics) AllUsage() string {
	return TopicRoot + "/+/usage"
}

// AllStatus returns a pattern matching the status of every instance.
//
// Pattern: omnibox/+/status
func (Topics) AllStatus() string {
	return TopicRoot + "/+/status"
}

// AllTopics returns a pattern matching all OmniBox topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: omnibox/#
func (Topics) AllTopics() string {
	return TopicRoot + "/#"
}

// segment makes s usable as a single topic level.
func segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
