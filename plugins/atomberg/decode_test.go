package atomberg

import (
	"encoding/hex"
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datagram(json string) []byte {
	return []byte(hex.EncodeToString([]byte(json)))
}

func TestDecodeBroadcastMasks(t *testing.T) {
	// speed 3, power, led, brightness 50, timer 2, elapsed 5 units, cool
	code := int64(3 | 0x10 | 0x20 | 50<<8 | 2<<16 | 5<<24 | 0x08)
	at := time.Unix(1_700_000_000, 0)

	state, err := DecodeBroadcastAt(datagram(`{"device_id":"fan1","state_string":"`+itoa(code)+`,1,2"}`), at)
	require.NoError(t, err)

	assert.Equal(t, DeviceState{
		DeviceID:               "fan1",
		IsOnline:               true,
		Power:                  true,
		LED:                    true,
		SleepMode:              false,
		LastRecordedSpeed:      3,
		TimerHours:             2,
		TimerTimeElapsedMins:   20,
		LastRecordedBrightness: 50,
		LastRecordedColor:      ColorCool,
		TSEpochSeconds:         at.Unix(),
	}, state)
}

func TestDecodeBroadcastColorRules(t *testing.T) {
	cases := []struct {
		code int64
		want string
	}{
		{0, ColorWarm},
		{0x8000, ColorWarm},
		{0x08, ColorCool},
		{0x08 | 0x8000, ColorDaylight},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StateFromCode(tc.code).LastRecordedColor, "code %#x", tc.code)
	}
}

func TestDecodeBroadcastMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("   "),
		[]byte("zz"),
		[]byte("abc"),
		datagram(`not json`),
		datagram(`{"state_string":"16"}`),
		datagram(`{"device_id":"x","state_string":""}`),
		datagram(`{"device_id":"x","state_string":"abc,1"}`),
		datagram(`{"device_id":"x","state_string":"-5"}`),
	}
	for _, in := range inputs {
		_, err := DecodeBroadcast(in)
		var decodeErr *DecodeError
		assert.True(t, errors.As(err, &decodeErr), "input %q: %v", in, err)
	}
}

func TestDecodeBroadcastTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		buf := make([]byte, rng.Intn(128))
		rng.Read(buf)
		if i%2 == 0 {
			buf = []byte(hex.EncodeToString(buf))
		}
		assert.NotPanics(t, func() {
			first, err1 := DecodeBroadcastAt(buf, time.Unix(1, 0))
			second, err2 := DecodeBroadcastAt(buf, time.Unix(1, 0))
			assert.Equal(t, first, second)
			assert.Equal(t, err1 == nil, err2 == nil)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	colors := []string{ColorWarm, ColorCool, ColorDaylight}
	at := time.Unix(1_700_000_123, 0)
	for i := 0; i < 500; i++ {
		want := DeviceState{
			DeviceID:               "fan-" + itoa(int64(i)),
			IsOnline:               true,
			Power:                  rng.Intn(2) == 1,
			LED:                    rng.Intn(2) == 1,
			SleepMode:              rng.Intn(2) == 1,
			LastRecordedSpeed:      rng.Intn(7),
			TimerHours:             rng.Intn(5),
			TimerTimeElapsedMins:   rng.Intn(256) * 4,
			LastRecordedBrightness: rng.Intn(101),
			LastRecordedColor:      colors[rng.Intn(len(colors))],
			TSEpochSeconds:         at.Unix(),
		}
		got, err := DecodeBroadcastAt(EncodeBroadcast(want), at)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
