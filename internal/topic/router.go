// Package topic maps broker topics to devices and message kinds.
package topic

import (
	"strings"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
)

// Route is the result of parsing a device topic.
type Route struct {
	DeviceID string
	Kind     model.Kind
}

// Router parses topics of the form {namespace}{sep}{deviceId}{sep}{kind}.
type Router struct {
	Namespace string // First topic segment used when building filters
	Delimiter string // "/" for MQTT, "." for NATS subjects
	Wildcard  string // Single-segment wildcard: "+" for MQTT, "*" for NATS
}

// NewMQTT returns a router for MQTT style topics.
func NewMQTT(namespace string) Router {
	return Router{Namespace: namespace, Delimiter: "/", Wildcard: "+"}
}

// NewNATS returns a router for NATS style subjects.
func NewNATS(namespace string) Router {
	return Router{Namespace: namespace, Delimiter: ".", Wildcard: "*"}
}

// Parse returns the device and kind of a topic.
// The second result is false when the topic is not a device topic: the segment
// count differs from three or the device segment is empty.
func (r Router) Parse(topic string) (Route, bool) {
	parts := strings.Split(topic, r.Delimiter)
	if len(parts) != 3 {
		return Route{}, false
	}
	// The device ID becomes a store path segment.
	if parts[1] == "" || strings.Contains(parts[1], "/") {
		return Route{}, false
	}
	return Route{DeviceID: parts[1], Kind: model.Kind(parts[2])}, true
}

// Filters returns the subscription patterns for the given kinds.
func (r Router) Filters(kinds ...model.Kind) []string {
	filters := make([]string, 0, len(kinds))
	for _, k := range kinds {
		filters = append(filters, strings.Join([]string{r.Namespace, r.Wildcard, string(k)}, r.Delimiter))
	}
	return filters
}
