package emu

import (
	"encoding/binary"

	"octavo/comm"
	"octavo/emu/log"
	"octavo/hw"
)

// registerHandlers installs the opcode set for the configured profile. The
// bootloader profile carries only what the flashing tool needs; the system
// profile is the full set.
func (d *Device) registerHandlers() {
	e := d.Engine
	e.Handle(comm.OpVersion, d.handleVersion)
	e.Handle(comm.OpSPI, d.handleSPI)
	e.Handle(comm.OpLock, d.handleLock)
	e.Handle(comm.OpFastMode, d.handleFastMode)
	e.Handle(comm.OpReset, d.handleReset)
	if d.cfg.Device.Profile == "bootloader" {
		return
	}
	e.Handle(comm.OpSleep, d.handleSleep)
	e.Handle(comm.OpBattInfo, d.handleBattInfo)
	e.Handle(comm.OpBattCalib, d.handleBattCalib)
	e.Handle(comm.OpBattLoad, d.handleBattLoad)
	e.Handle(comm.OpLED, d.handleLED)
	e.Handle(comm.OpInput, d.handleInput)
	e.Handle(comm.OpIO, d.handleIO)
	e.Handle(comm.OpTime, d.handleTime)
}

func (d *Device) respond(e *comm.Engine, op comm.Opcode, n int) {
	if err := e.Transmit(op, n); err != nil {
		log.ModEmu.WarnZ("response failed").Stringer("op", op).Error("err", err).End()
	}
}

func (d *Device) handleVersion(e *comm.Engine, n int) {
	appVer := d.cfg.Device.AppVersion
	if d.app != nil {
		appVer = d.app.AppVersion
	}
	buf := e.Buffer()
	binary.LittleEndian.PutUint16(buf[0:], appVer)
	binary.LittleEndian.PutUint16(buf[2:], d.cfg.Device.BootVersion)
	binary.LittleEndian.PutUint16(buf[4:], d.cfg.Device.MinBootVersion)
	d.respond(e, comm.OpVersion, 6)
}

// handleSPI runs one segment of a chip-select window: assert (or keep) the
// select line, exchange the data bytes, echo back what came in on MISO. Bit
// 7 of the options byte is the only thing that ever releases the line, so a
// multi-packet transfer keeps the chip's command state across packets.
func (d *Device) handleSPI(e *comm.Engine, n int) {
	if n < 1 {
		d.respond(e, comm.OpSPI, 0)
		return
	}
	buf := e.Buffer()
	opts := buf[0]
	periph := hw.Peripheral(opts & comm.SPIPeriphMask)
	data := buf[1:n]

	if periph <= hw.PeriphDisplay {
		if err := d.Mux.Select(periph); err != nil {
			log.ModEmu.WarnZ("spi select failed").Error("err", err).End()
		} else if err := d.Mux.Transceive(data, data); err != nil {
			log.ModEmu.WarnZ("spi transfer failed").Error("err", err).End()
		}
		// Anything the tool does to a memory part may invalidate the app
		// index; re-read it once the transfer settles.
		if periph != hw.PeriphDisplay && len(data) > 0 {
			d.dirty = true
		}
	}
	if opts&comm.SPIRelease != 0 {
		if err := d.Mux.Release(); err != nil {
			log.ModEmu.WarnZ("spi release failed").Error("err", err).End()
		}
	}

	copy(buf, data)
	d.respond(e, comm.OpSPI, len(data))
}

// handleLock acknowledges before changing mode, so the host reads the ack at
// the moment it expects it.
func (d *Device) handleLock(e *comm.Engine, n int) {
	on := n >= 1 && e.Buffer()[0] == comm.PayloadOn
	d.respond(e, comm.OpLock, 0)
	e.SetLocked(on)
	if !on {
		// The blink may have left the LED lit.
		d.LED.Set(false)
	}
}

func (d *Device) handleSleep(e *comm.Engine, n int) {
	d.sleepOK = n >= 1 && e.Buffer()[0] == comm.PayloadOn
	d.respond(e, comm.OpSleep, 0)
}

func (d *Device) handleBattInfo(e *comm.Engine, n int) {
	status, percent, mv, raw := d.Battery.Reading()
	buf := e.Buffer()
	buf[0] = status
	buf[1] = percent
	binary.LittleEndian.PutUint16(buf[2:], mv)
	binary.LittleEndian.PutUint16(buf[4:], raw)
	d.respond(e, comm.OpBattInfo, 6)
}

// handleBattCalib toggles calibration. Starting restores the default display
// drive so the reference measurement happens at nominal load.
func (d *Device) handleBattCalib(e *comm.Engine, n int) {
	on := n >= 1 && e.Buffer()[0] == comm.PayloadOn
	d.Battery.SetCalibrating(on)
	if on {
		d.Display.RestoreDrive()
	}
	d.respond(e, comm.OpBattCalib, 0)
}

// handleBattLoad applies a display drive point, only meaningful while
// calibrating.
func (d *Device) handleBattLoad(e *comm.Engine, n int) {
	if d.Battery.Calibrating() && n >= 2 {
		buf := e.Buffer()
		d.Display.SetContrast(buf[0])
		d.Display.SetColor(buf[1])
	}
	d.respond(e, comm.OpBattLoad, 0)
}

// No response: the host fires LED packets blind.
func (d *Device) handleLED(e *comm.Engine, n int) {
	d.LED.Set(n >= 1 && e.Buffer()[0] == 1)
}

func (d *Device) handleInput(e *comm.Engine, n int) {
	e.Buffer()[0] = d.Buttons.State()
	d.respond(e, comm.OpInput, 1)
}

// No response, like LED.
func (d *Device) handleIO(e *comm.Engine, n int) {
	if n >= 1 {
		v := e.Buffer()[0]
		d.Display.SetLines(v&0x01 != 0, v&0x02 != 0)
	}
}

func (d *Device) handleTime(e *comm.Engine, n int) {
	t := d.Clock.Ticks()
	buf := e.Buffer()
	buf[0] = byte(t)
	buf[1] = byte(t >> 8)
	buf[2] = byte(t >> 16)
	d.respond(e, comm.OpTime, 3)
}

// handleFastMode acknowledges at the old rate, then switches.
func (d *Device) handleFastMode(e *comm.Engine, n int) {
	on := n >= 1 && e.Buffer()[0] != 0
	d.respond(e, comm.OpFastMode, 0)
	if err := e.SetFast(on); err != nil {
		log.ModEmu.WarnZ("rate switch failed").Error("err", err).End()
	}
}

// No response: the device is about to drop everything.
func (d *Device) handleReset(e *comm.Engine, n int) {
	e.Stop()
	d.resetReq = true
}
