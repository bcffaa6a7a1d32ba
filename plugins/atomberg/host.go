package atomberg

import (
	"context"
	"errors"
)

// Consumer receives state pushes for one registered device.
type Consumer interface {
	UpdateState(DeviceState)
}

// Controller lets a host send commands back through the engine.
type Controller interface {
	DeviceID() string
	Send(ctx context.Context, cmd Command) error
}

// Host is the accessory layer the engine registers devices with.
type Host interface {
	Register(device Device, state DeviceState, ctl Controller) (Consumer, error)
	Update(device Device, consumer Consumer)
	Remove(device Device, consumer Consumer)
}

// NopHost accepts every device and ignores updates.
type NopHost struct{}

func (NopHost) Register(Device, DeviceState, Controller) (Consumer, error) { return nopConsumer{}, nil }
func (NopHost) Update(Device, Consumer)                                  {}
func (NopHost) Remove(Device, Consumer)                                  {}

type nopConsumer struct{}

func (nopConsumer) UpdateState(DeviceState) {}

// Hosts fans registrations out to several hosts. Register fails only when
// every host fails.
func Hosts(hosts ...Host) Host {
	if len(hosts) == 1 {
		return hosts[0]
	}
	return multiHost(hosts)
}

type multiHost []Host

type multiConsumer []Consumer

func (m multiConsumer) UpdateState(state DeviceState) {
	for _, c := range m {
		if c != nil {
			c.UpdateState(state)
		}
	}
}

func (h multiHost) Register(device Device, state DeviceState, ctl Controller) (Consumer, error) {
	consumers := make(multiConsumer, len(h))
	var errs []error
	for i, host := range h {
		c, err := host.Register(device, state, ctl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		consumers[i] = c
	}
	if len(h) > 0 && len(errs) == len(h) {
		return nil, errors.Join(errs...)
	}
	return consumers, nil
}

func (h multiHost) Update(device Device, consumer Consumer) {
	consumers, _ := consumer.(multiConsumer)
	for i, host := range h {
		if i < len(consumers) && consumers[i] != nil {
			host.Update(device, consumers[i])
		}
	}
}

func (h multiHost) Remove(device Device, consumer Consumer) {
	consumers, _ := consumer.(multiConsumer)
	for i, host := range h {
		if i < len(consumers) && consumers[i] != nil {
			host.Remove(device, consumers[i])
		}
	}
}
