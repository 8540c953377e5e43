package mqtt

import "math"

// DataPayload is the sensor telemetry message.
type DataPayload struct {
	Timestamp   int64   `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       int     `json:"light"`
}

// NewDataPayload builds a telemetry message, rounding temperature and
// humidity to two decimals so the wire format stays stable regardless
// of sensor precision.
func NewDataPayload(timestamp int64, temperature, humidity float64, light int) DataPayload {
	return DataPayload{
		Timestamp:   timestamp,
		Temperature: round2(temperature),
		Humidity:    round2(humidity),
		Light:       light,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// StatePayload is the device state message. Mode and the load fields
// are 0/1 integers on the wire.
type StatePayload struct {
	Timestamp int64 `json:"timestamp"`
	Mode      int   `json:"mode"`
	Interval  int   `json:"interval"`
	Fan       int   `json:"fan"`
	Light     int   `json:"light"`
	AC        int   `json:"ac"`
}

// InfoPayload is the device info message published on every broker
// (re-)connect and on demand via get_status.
type InfoPayload struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	SSID      string `json:"ssid"`
	IP        string `json:"ip"`
	Broker    string `json:"broker"`
	Firmware  string `json:"firmware"`
}

// ResponsePayload acknowledges a command.
type ResponsePayload struct {
	CmdID  string `json:"cmd_id"`
	Status string `json:"status"`
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)
