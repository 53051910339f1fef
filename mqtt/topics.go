package mqtt

import (
	"strings"

	"github.com/eddielth/data-ingest/device"
)

// DefaultBaseTopic prefixes the per-device topics when no baseTopic is set.
const DefaultBaseTopic = "devices/"

// Topics is the topic layout of one device.
type Topics struct {
	Data     string
	Status   string
	Response string
	Error    string
	Command  string
	Request  string
}

// TopicsFor derives the topic layout from baseTopic; dataTopic, statusTopic,
// responseTopic, errorTopic, commandTopic and requestTopic override single
// entries and may contain a {deviceId} placeholder.
func TopicsFor(deviceID string, p device.Parameters) Topics {
	base := expand(p.String("baseTopic", DefaultBaseTopic), deviceID)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	topic := func(key, suffix string) string {
		if tpl := p.String(key, ""); tpl != "" {
			return expand(tpl, deviceID)
		}
		return base + deviceID + "/" + suffix
	}

	return Topics{
		Data:     topic("dataTopic", "data"),
		Status:   topic("statusTopic", "status"),
		Response: topic("responseTopic", "responses"),
		Error:    topic("errorTopic", "errors"),
		Command:  topic("commandTopic", "commands"),
		Request:  topic("requestTopic", "data/request"),
	}
}

// Subscriptions lists the topics a connection listens on.
func (t Topics) Subscriptions() []string {
	return []string{t.Data, t.Status, t.Response, t.Error}
}

func expand(tpl, deviceID string) string {
	return strings.ReplaceAll(tpl, "{deviceId}", deviceID)
}
