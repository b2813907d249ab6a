// Package emu assembles the simulated handheld: the protocol engine bound to
// a transport, the SPI bus with its parts, the app loader and the board
// peripherals, all driven by one goroutine.
package emu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"octavo/comm"
	"octavo/emu/log"
	"octavo/hw"
	"octavo/load"
)

// Device is one powered-up unit.
type Device struct {
	Engine  *comm.Engine
	Mux     *hw.Mux
	Flash   *hw.Flash
	EEPROM  *hw.EEPROM
	Prog    *hw.ProgMem
	Loader  *load.Loader
	Battery *hw.Battery
	Buttons *hw.Buttons
	LED     *hw.LED
	Clock   *hw.Clock
	Display *hw.DisplayCtl

	// Chip models backing the bus under the mem driver; nil under the host
	// driver.
	FlashChip  *hw.FlashChip
	EEPROMChip *hw.EEPROMChip

	cfg   Config
	index *load.Index
	app   *load.Entry

	conns    chan comm.Transport
	detached chan struct{}

	dirty    bool // remote writes landed, the index is stale
	sleepOK  bool
	resetReq bool

	closeBus func() error
}

// New assembles a device from cfg. Nothing runs until Run.
func New(cfg Config) (*Device, error) {
	cfg.Check()

	d := &Device{
		cfg:      cfg,
		Prog:     &hw.ProgMem{},
		Battery:  &hw.Battery{},
		Buttons:  &hw.Buttons{},
		LED:      &hw.LED{},
		Clock:    &hw.Clock{},
		Display:  hw.NewDisplayCtl(),
		conns:    make(chan comm.Transport, 1),
		detached: make(chan struct{}, 1),
	}

	var bus hw.Bus
	switch cfg.SPI.Driver {
	case "host":
		hb, err := hw.OpenHostBus(hw.HostBusConfig{
			Port: cfg.SPI.Port,
			Hz:   cfg.SPI.Hz,
			CS:   [3]string{cfg.SPI.FlashCS, cfg.SPI.EEPROMCS, cfg.SPI.DisplayCS},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open spi bus: %w", err)
		}
		bus = hb
		d.closeBus = hb.Close
	default:
		mem := hw.NewMemBus()
		d.FlashChip = hw.NewFlashChip(cfg.Parts.FlashSize)
		d.EEPROMChip = hw.NewEEPROMChip(cfg.Parts.EEPROMSize)
		mem.Attach(hw.PeriphFlash, d.FlashChip)
		mem.Attach(hw.PeriphEEPROM, d.EEPROMChip)
		mem.Attach(hw.PeriphDisplay, &hw.DisplayChip{})
		bus = mem
	}

	d.Mux = hw.NewMux(bus)
	d.Flash = hw.NewFlash(d.Mux)
	d.EEPROM = hw.NewEEPROM(d.Mux)
	d.Loader = &load.Loader{
		Flash:       d.Flash,
		EEPROM:      d.EEPROM,
		Prog:        d.Prog,
		Display:     d.Display,
		BootVersion: cfg.Device.BootVersion,
		OnAppStart:  d.appStart,
	}

	d.Battery.Set(batteryStatus(cfg.Battery), cfg.Battery.Percent,
		cfg.Battery.MilliVolts, cfg.Battery.Raw)

	d.Engine = comm.NewEngine(nil)
	if ms := cfg.Device.TimeoutMs; ms > 0 {
		d.Engine.SetTimeout(time.Duration(ms) * time.Millisecond)
	}
	d.Engine.SetBlink(d.LED.Toggle)
	d.registerHandlers()

	log.RegisterContext(d.Clock)
	return d, nil
}

func batteryStatus(cfg BatteryConfig) uint8 {
	switch {
	case cfg.Charging && cfg.Percent >= 100:
		return hw.BattCharged
	case cfg.Charging:
		return hw.BattCharging
	case cfg.Percent <= 10:
		return hw.BattLow
	default:
		return hw.BattDischarging
	}
}

// Boot brings the persistent state up: formats a factory-fresh EEPROM,
// rolls back a torn write if one was in flight, reads the app index.
func (d *Device) Boot() {
	if err := load.EnsureFormatted(d.EEPROM); err != nil {
		log.ModEmu.WarnZ("eeprom init failed").Error("err", err).End()
	}
	if _, err := load.Recover(d.EEPROM); err != nil {
		log.ModEmu.WarnZ("eeprom recovery failed").Error("err", err).End()
	}
	d.reloadIndex()
}

// Index returns the app index as of the last read.
func (d *Device) Index() *load.Index {
	if d.index == nil {
		return &load.Index{}
	}
	return d.index
}

// Running returns the app started by the loader, if any.
func (d *Device) Running() (load.Entry, bool) {
	if d.app == nil {
		return load.Entry{}, false
	}
	return *d.app, true
}

// SleepOK reports whether the remote tool granted sleep eligibility.
func (d *Device) SleepOK() bool { return d.sleepOK }

// LoadApp makes the app with the given ID resident and starts it.
func (d *Device) LoadApp(id uint8) error {
	e, ok := d.Index().Lookup(id)
	if !ok {
		return fmt.Errorf("no app with id %d", id)
	}
	return d.Loader.Load(e)
}

// Attach hands tr to the device loop, which binds it before its next poll.
// One client at a time; the previous transport, if any, is dropped.
func (d *Device) Attach(tr comm.Transport) {
	d.conns <- tr
}

// Detached signals once per client the device lets go of.
func (d *Device) Detached() <-chan struct{} { return d.detached }

// Run is the device loop: advance the clock, poll the engine, then do the
// idle work that must never interleave with a packet (index re-reads, reset
// requests). Returns when ctx is done.
func (d *Device) Run(ctx context.Context) error {
	d.Boot()

	tick := time.NewTicker(time.Second / time.Duration(d.cfg.Device.TickHz))
	defer tick.Stop()
	defer d.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-d.conns:
			d.Engine.SetTransport(tr)
			log.ModEmu.InfoZ("client attached").End()
		case <-tick.C:
			d.Clock.Advance(1)
			d.step()
		}
	}
}

// step runs one poll and the follow-up housekeeping.
func (d *Device) step() {
	if err := d.Engine.Poll(); err != nil && !errors.Is(err, comm.ErrTimeout) {
		log.ModEmu.InfoZ("client detached").Error("err", err).End()
		d.unbind()
	}
	d.service()
}

// service handles state the handlers only flag: reset requests and stale
// index marks. It runs with the engine idle, never between the packets of a
// locked transfer.
func (d *Device) service() {
	if d.resetReq {
		d.resetReq = false
		d.reset()
		return
	}
	// An asserted chip select means a remote transaction is still open
	// across packets; reading the index now would inject bus traffic into
	// it. Wait for the release.
	if _, busy := d.Mux.Asserted(); busy {
		return
	}
	if d.dirty && !d.Engine.Locked() {
		d.reloadIndex()
	}
}

func (d *Device) reloadIndex() {
	ix, err := load.ReadIndex(d.Flash, d.cfg.Device.BootVersion)
	if err != nil {
		log.ModEmu.WarnZ("index read failed").Error("err", err).End()
		return
	}
	d.index = ix
	d.dirty = false
}

// reset is the OpReset landing point: back to the power-on state, keeping
// the client attached.
func (d *Device) reset() {
	log.ModEmu.InfoZ("device reset").End()
	if err := d.Engine.Reset(); err != nil {
		log.ModEmu.WarnZ("engine reset failed").Error("err", err).End()
	}
	if err := d.Mux.Release(); err != nil {
		log.ModEmu.WarnZ("bus release failed").Error("err", err).End()
	}
	d.LED.Set(false)
	d.sleepOK = false
	d.app = nil
	d.Display.SetLines(false, false)
	d.Display.RestoreDrive()
	d.Display.SetPageHeight(0)
	d.Flash.SetWindow(0, 0)
	d.EEPROM.SetWindow(0, 0)
	d.Boot()
}

func (d *Device) appStart(e load.Entry) {
	d.app = &e
}

func (d *Device) unbind() {
	if err := d.Engine.Reset(); err != nil {
		log.ModEmu.WarnZ("engine reset failed").Error("err", err).End()
	}
	d.Engine.SetTransport(nil)
	d.LED.Set(false)
	select {
	case d.detached <- struct{}{}:
	default:
	}
}

func (d *Device) close() {
	if d.closeBus != nil {
		if err := d.closeBus(); err != nil {
			log.ModEmu.WarnZ("bus close failed").Error("err", err).End()
		}
	}
}
