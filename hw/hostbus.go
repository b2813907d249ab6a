package hw

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"octavo/emu/log"
)

// HostBusConfig names the host resources backing a real bus.
type HostBusConfig struct {
	Port string // spireg port name, e.g. "SPI0.0"
	Hz   int64  // SPI clock frequency

	// GPIO pin names of the chip-select lines, indexed by Peripheral.
	CS [numPeripherals]string
}

// HostBus drives a real SPI port with GPIO chip selects through periph.io,
// to run the firmware against actual parts wired to the host.
type HostBus struct {
	port spi.PortCloser
	conn spi.Conn
	cs   [numPeripherals]gpio.PinOut
	held gpio.PinOut
}

func OpenHostBus(cfg HostBusConfig) (*HostBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init failed: %w", err)
	}
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open spi port %q: %w", cfg.Port, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.Hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect spi port: %w", err)
	}

	b := &HostBus{port: port, conn: conn}
	for p, name := range cfg.CS {
		pin := gpioreg.ByName(name)
		if pin == nil {
			port.Close()
			return nil, fmt.Errorf("no gpio pin named %q for %s chip select", name, Peripheral(p))
		}
		if err := pin.Out(gpio.High); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to raise %s chip select: %w", Peripheral(p), err)
		}
		b.cs[p] = pin
	}

	log.ModHw.InfoZ("host spi bus open").String("port", cfg.Port).End()
	return b, nil
}

func (b *HostBus) Select(p Peripheral) error {
	pin := b.cs[p]
	if err := pin.Out(gpio.Low); err != nil {
		return err
	}
	b.held = pin
	return nil
}

func (b *HostBus) Release() error {
	if b.held == nil {
		return nil
	}
	err := b.held.Out(gpio.High)
	b.held = nil
	return err
}

func (b *HostBus) Transceive(tx, rx []byte) error {
	// periph wants equal-length buffers.
	n := max(len(tx), len(rx))
	w, r := tx, rx
	if len(w) != n {
		w = make([]byte, n)
		copy(w, tx)
		for i := len(tx); i < n; i++ {
			w[i] = 0xFF
		}
	}
	if len(r) != n {
		r = make([]byte, n)
	}
	if err := b.conn.Tx(w, r); err != nil {
		return err
	}
	copy(rx, r)
	return nil
}

func (b *HostBus) Close() error {
	b.Release()
	return b.port.Close()
}
