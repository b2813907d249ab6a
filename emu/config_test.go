package emu

import "testing"

func TestConfigCheckDefaults(t *testing.T) {
	var cfg Config
	cfg.Check()

	if cfg.Device.Profile != "system" {
		t.Errorf("profile = %q", cfg.Device.Profile)
	}
	if cfg.Device.TickHz != 1000 || cfg.Device.TimeoutMs != 500 {
		t.Errorf("tick = %d, timeout = %d", cfg.Device.TickHz, cfg.Device.TimeoutMs)
	}
	if cfg.Parts.FlashSize != 1<<21 || cfg.Parts.EEPROMSize != 1<<13 {
		t.Errorf("parts = (%d, %d)", cfg.Parts.FlashSize, cfg.Parts.EEPROMSize)
	}
	if cfg.Serial.Baud != 19200 || cfg.Serial.FastBaud != 115200 {
		t.Errorf("bauds = (%d, %d)", cfg.Serial.Baud, cfg.Serial.FastBaud)
	}
	if cfg.SPI.Driver != "mem" || cfg.SPI.Hz != 8_000_000 {
		t.Errorf("spi = (%q, %d)", cfg.SPI.Driver, cfg.SPI.Hz)
	}
	if cfg.Battery.Percent != 100 || cfg.Battery.MilliVolts != 4150 {
		t.Errorf("battery = (%d%%, %dmV)", cfg.Battery.Percent, cfg.Battery.MilliVolts)
	}
}

func TestConfigCheckFallbacks(t *testing.T) {
	cfg := Config{
		Device: DeviceConfig{Profile: "turbo"},
		SPI:    SPIConfig{Driver: "usb"},
	}
	cfg.Check()

	if cfg.Device.Profile != "system" {
		t.Errorf("profile = %q, want fallback to system", cfg.Device.Profile)
	}
	if cfg.SPI.Driver != "mem" {
		t.Errorf("spi driver = %q, want fallback to mem", cfg.SPI.Driver)
	}
}

func TestConfigCheckKeepsExplicit(t *testing.T) {
	cfg := Config{
		Device: DeviceConfig{Profile: "bootloader", TimeoutMs: -1},
		Serial: SerialConfig{Baud: 9600},
	}
	cfg.Check()

	if cfg.Device.Profile != "bootloader" {
		t.Errorf("profile = %q", cfg.Device.Profile)
	}
	if cfg.Device.TimeoutMs != -1 {
		t.Errorf("timeout = %d, negative must stand for infinite wait", cfg.Device.TimeoutMs)
	}
	if cfg.Serial.Baud != 9600 {
		t.Errorf("baud = %d", cfg.Serial.Baud)
	}
}
