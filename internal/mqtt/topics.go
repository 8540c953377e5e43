package mqtt

// Topics builds the device's topic paths. Every topic lives under
// <base>/<device_id>/; the broker side relies on this layout for
// per-device ACLs.
type Topics struct {
	base     string
	deviceID string
}

// NewTopics creates the topic builder for one device.
func NewTopics(base, deviceID string) Topics {
	return Topics{base: base, deviceID: deviceID}
}

func (t Topics) prefix() string {
	return t.base + "/" + t.deviceID
}

// Data is the sensor telemetry topic (QoS 0, not retained).
func (t Topics) Data() string { return t.prefix() + "/data" }

// State is the device state topic (QoS 1, retained).
func (t Topics) State() string { return t.prefix() + "/state" }

// Info is the device info topic (QoS 1, retained).
func (t Topics) Info() string { return t.prefix() + "/info" }

// Command is the inbound command topic (subscribed at QoS 1).
func (t Topics) Command() string { return t.prefix() + "/command" }

// Response is the command acknowledgement topic (QoS 1, retained).
func (t Topics) Response() string { return t.prefix() + "/response" }

// Availability is the online/offline presence topic (QoS 1, retained,
// also the will topic).
func (t Topics) Availability() string { return t.prefix() + "/status" }
