package atomberg

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bit layout of the broadcast state code.
const (
	maskSpeed      = 0x07
	maskCool       = 0x08
	maskPower      = 0x10
	maskLED        = 0x20
	maskSleep      = 0x80
	maskBrightness = 0x7F00
	maskWarm       = 0x8000
	maskTimer      = 0x0F0000
	maskElapsed    = 0xFF000000

	shiftBrightness = 8
	shiftTimer      = 16
	shiftElapsed    = 24

	elapsedMinutesPerUnit = 4
)

type broadcastPayload struct {
	DeviceID    string `json:"device_id"`
	StateString string `json:"state_string"`
}

// DecodeBroadcast turns one datagram into a DeviceState stamped with the
// current time.
func DecodeBroadcast(data []byte) (DeviceState, error) {
	return DecodeBroadcastAt(data, time.Now())
}

// DecodeBroadcastAt is DecodeBroadcast with an explicit arrival time.
func DecodeBroadcastAt(data []byte, at time.Time) (DeviceState, error) {
	text := bytes.TrimSpace(data)
	if len(text) == 0 {
		return DeviceState{}, &DecodeError{Stage: "hex", Err: errors.New("empty datagram")}
	}
	raw := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(raw, text); err != nil {
		return DeviceState{}, &DecodeError{Stage: "hex", Err: err}
	}

	var payload broadcastPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DeviceState{}, &DecodeError{Stage: "json", Err: err}
	}
	if payload.DeviceID == "" {
		return DeviceState{}, &DecodeError{Stage: "json", Err: errors.New("missing device_id")}
	}

	code, err := parseStateCode(payload.StateString)
	if err != nil {
		return DeviceState{}, &DecodeError{Stage: "state_string", Err: err}
	}

	state := StateFromCode(code)
	state.DeviceID = payload.DeviceID
	state.TSEpochSeconds = at.Unix()
	return state, nil
}

func parseStateCode(s string) (int64, error) {
	first, _, _ := strings.Cut(s, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return 0, errors.New("empty state code")
	}
	code, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state code %q: %w", first, err)
	}
	if code < 0 {
		return 0, fmt.Errorf("state code %d is negative", code)
	}
	return code, nil
}

// StateFromCode applies the bit masks. DeviceID and timestamp are left empty.
func StateFromCode(code int64) DeviceState {
	cool := code&maskCool != 0
	warm := code&maskWarm != 0

	color := ColorWarm
	switch {
	case cool && warm:
		color = ColorDaylight
	case cool:
		color = ColorCool
	}

	return DeviceState{
		IsOnline:               true,
		Power:                  code&maskPower != 0,
		LED:                    code&maskLED != 0,
		SleepMode:              code&maskSleep != 0,
		LastRecordedSpeed:      int(code & maskSpeed),
		TimerHours:             int((code & maskTimer) >> shiftTimer),
		TimerTimeElapsedMins:   int((code&maskElapsed)>>shiftElapsed) * elapsedMinutesPerUnit,
		LastRecordedBrightness: int((code & maskBrightness) >> shiftBrightness),
		LastRecordedColor:      color,
	}
}

// EncodeStateCode packs a state back into a broadcast code. Values outside
// their bit fields are truncated.
func EncodeStateCode(s DeviceState) int64 {
	var code int64
	code |= int64(s.LastRecordedSpeed) & maskSpeed
	if s.Power {
		code |= maskPower
	}
	if s.LED {
		code |= maskLED
	}
	if s.SleepMode {
		code |= maskSleep
	}
	code |= (int64(s.LastRecordedBrightness) << shiftBrightness) & maskBrightness
	code |= (int64(s.TimerHours) << shiftTimer) & maskTimer
	code |= (int64(s.TimerTimeElapsedMins/elapsedMinutesPerUnit) << shiftElapsed) & maskElapsed
	switch s.LastRecordedColor {
	case ColorCool:
		code |= maskCool
	case ColorDaylight:
		code |= maskCool | maskWarm
	}
	return code
}

// EncodeBroadcast builds the datagram a fan would send for s.
func EncodeBroadcast(s DeviceState) []byte {
	payload, _ := json.Marshal(broadcastPayload{
		DeviceID:    s.DeviceID,
		StateString: strconv.FormatInt(EncodeStateCode(s), 10) + ",0,0",
	})
	out := make([]byte, hex.EncodedLen(len(payload)))
	hex.Encode(out, payload)
	return out
}
