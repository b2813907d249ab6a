package prog

import (
	"context"
	"testing"
	"time"

	"octavo/comm"
	"octavo/emu"
)

func testConfig() emu.Config {
	return emu.Config{
		Device: emu.DeviceConfig{
			Profile:        "system",
			AppVersion:     0x0010,
			BootVersion:    0x0203,
			MinBootVersion: 0x0200,
			TickHz:         20000,
			// Tests send complete frames, the device never waits mid-packet.
			TimeoutMs: -1,
		},
		Parts: emu.PartsConfig{FlashSize: 1 << 18, EEPROMSize: 1 << 13},
	}
}

// rig is a simulated device on one end of a pipe and a client on the other.
// The device loop runs in its own goroutine; after stop the device state can
// be inspected directly.
type rig struct {
	t      *testing.T
	dev    *emu.Device
	client *Client

	devEnd  *comm.Pipe
	hostEnd *comm.Pipe

	cancel  context.CancelFunc
	stopped chan struct{}
}

// newRig builds the device, lets seed preload its parts, then starts the
// loop and hands back a connected client.
func newRig(t *testing.T, seed func(d *emu.Device)) *rig {
	t.Helper()
	dev, err := emu.New(testConfig())
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if seed != nil {
		seed(dev)
	}

	devEnd, hostEnd := comm.NewPipe()
	dev.Attach(devEnd)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		dev.Run(ctx)
	}()

	c := NewClient(hostEnd)
	c.SetTimeout(5 * time.Second)

	r := &rig{
		t: t, dev: dev, client: c,
		devEnd: devEnd, hostEnd: hostEnd,
		cancel: cancel, stopped: stopped,
	}
	t.Cleanup(r.stop)
	return r
}

// stop halts the device loop and waits for it. Safe to call twice.
func (r *rig) stop() {
	r.cancel()
	<-r.stopped
}
