package atomberg

import "time"

// Device is one fan from the cloud inventory.
type Device struct {
	DeviceID string         `json:"device_id"`
	Color    string         `json:"color"`
	Series   string         `json:"series"`
	Model    string         `json:"model"`
	Name     string         `json:"name"`
	Room     string         `json:"room"`
	Metadata DeviceMetadata `json:"metadata"`
}

type DeviceMetadata struct {
	MAC  string `json:"mac"`
	SSID string `json:"ssid"`
}

// DisplayName falls back to the device id for unnamed fans.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.DeviceID
}

// DeviceState mirrors get_device_state; broadcasts decode into the same shape.
type DeviceState struct {
	DeviceID               string `json:"device_id"`
	IsOnline               bool   `json:"is_online"`
	Power                  bool   `json:"power"`
	LED                    bool   `json:"led"`
	SleepMode              bool   `json:"sleep_mode"`
	LastRecordedSpeed      int    `json:"last_recorded_speed"`
	TimerHours             int    `json:"timer_hours"`
	TimerTimeElapsedMins   int    `json:"timer_time_elapsed_mins"`
	LastRecordedBrightness int    `json:"last_recorded_brightness"`
	LastRecordedColor      string `json:"last_recorded_color"`
	TSEpochSeconds         int64  `json:"ts_epoch_seconds"`
}

// Timestamp returns the vendor report time, zero when unknown.
func (s DeviceState) Timestamp() time.Time {
	if s.TSEpochSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(s.TSEpochSeconds, 0)
}

// OfflinePlaceholder is used when states cannot be fetched during a pass.
func OfflinePlaceholder(deviceID string) DeviceState {
	return DeviceState{DeviceID: deviceID, IsOnline: false}
}

const (
	ColorWarm     = "Warm"
	ColorCool     = "Cool"
	ColorDaylight = "Daylight"
)

// LightMode values accepted by send_command.
type LightMode string

const (
	LightCool     LightMode = "cool"
	LightWarm     LightMode = "warm"
	LightDaylight LightMode = "daylight"
)

// Command is a sparse fan command. Nil fields are omitted on the wire.
type Command struct {
	DeviceID string `json:"-"`

	Power           *bool      `json:"power,omitempty"`
	Speed           *int       `json:"speed,omitempty"`
	SpeedDelta      *int       `json:"speedDelta,omitempty"`
	Sleep           *bool      `json:"sleep,omitempty"`
	Timer           *int       `json:"timer,omitempty"`
	LED             *bool      `json:"led,omitempty"`
	Brightness      *int       `json:"brightness,omitempty"`
	BrightnessDelta *int       `json:"brightnessDelta,omitempty"`
	LightMode       *LightMode `json:"light_mode,omitempty"`
}

// Empty reports whether no attribute is set.
func (c Command) Empty() bool {
	return c.Power == nil && c.Speed == nil && c.SpeedDelta == nil && c.Sleep == nil &&
		c.Timer == nil && c.LED == nil && c.Brightness == nil && c.BrightnessDelta == nil &&
		c.LightMode == nil
}

const (
	minSpeed      = 1
	maxSpeed      = 6
	minBrightness = 10
	maxBrightness = 100
	maxTimer      = 4
)

// Validate checks command ranges before anything goes on the wire.
func (c Command) Validate() error {
	if c.DeviceID == "" {
		return invalidCommand("device_id is required")
	}
	if c.Empty() {
		return invalidCommand("no attributes set")
	}
	if c.Speed != nil && (*c.Speed < minSpeed || *c.Speed > maxSpeed) {
		return invalidCommand("speed %d out of range %d-%d", *c.Speed, minSpeed, maxSpeed)
	}
	if c.SpeedDelta != nil && (*c.SpeedDelta == 0 || abs(*c.SpeedDelta) > maxSpeed-minSpeed) {
		return invalidCommand("speedDelta %d out of range", *c.SpeedDelta)
	}
	if c.Timer != nil && (*c.Timer < 0 || *c.Timer > maxTimer) {
		return invalidCommand("timer %d out of range 0-%d", *c.Timer, maxTimer)
	}
	if c.Brightness != nil && (*c.Brightness < minBrightness || *c.Brightness > maxBrightness) {
		return invalidCommand("brightness %d out of range %d-%d", *c.Brightness, minBrightness, maxBrightness)
	}
	if c.BrightnessDelta != nil && (*c.BrightnessDelta == 0 || abs(*c.BrightnessDelta) > maxBrightness-minBrightness) {
		return invalidCommand("brightnessDelta %d out of range", *c.BrightnessDelta)
	}
	if c.LightMode != nil {
		switch *c.LightMode {
		case LightCool, LightWarm, LightDaylight:
		default:
			return invalidCommand("unknown light_mode %q", string(*c.LightMode))
		}
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Accessory is a registry entry snapshot.
type Accessory struct {
	Device    Device
	State     DeviceState
	UpdatedAt time.Time
	Restored  bool
}
