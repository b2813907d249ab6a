package emu

import (
	"os"
	"path/filepath"
	"sync"

	"octavo/emu/log"

	"github.com/BurntSushi/toml"
	"github.com/kirsle/configdir"
)

type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Parts   PartsConfig   `toml:"parts"`
	Serial  SerialConfig  `toml:"serial"`
	SPI     SPIConfig     `toml:"spi"`
	Battery BatteryConfig `toml:"battery"`
}

type DeviceConfig struct {
	// Profile selects the opcode set: "system" (the full set) or
	// "bootloader" (memory access and reset only).
	Profile string `toml:"profile"`

	AppVersion     uint16 `toml:"app_version"`
	BootVersion    uint16 `toml:"boot_version"`
	MinBootVersion uint16 `toml:"min_boot_version"`

	// TickHz paces the device loop and the 24-bit tick counter.
	TickHz int `toml:"tick_hz"`

	// TimeoutMs bounds the wait for each mid-packet byte. Negative keeps
	// the original hardware behavior of waiting forever.
	TimeoutMs int `toml:"timeout_ms"`
}

type PartsConfig struct {
	FlashSize  int `toml:"flash_size"`
	EEPROMSize int `toml:"eeprom_size"`
}

type SerialConfig struct {
	Port     string `toml:"port"`
	Baud     int    `toml:"baud"`
	FastBaud int    `toml:"fast_baud"`
}

type SPIConfig struct {
	// Driver picks the bus implementation: "mem" runs against the chip
	// models, "host" opens a real SPI port through periph.io.
	Driver string `toml:"driver"`

	Port      string `toml:"port"`
	Hz        int64  `toml:"hz"`
	FlashCS   string `toml:"flash_cs"`
	EEPROMCS  string `toml:"eeprom_cs"`
	DisplayCS string `toml:"display_cs"`
}

// BatteryConfig is the fixed reading the simulated battery reports.
type BatteryConfig struct {
	Percent    uint8  `toml:"percent"`
	MilliVolts uint16 `toml:"millivolts"`
	Raw        uint16 `toml:"raw"`
	Charging   bool   `toml:"charging"`
}

// Check fills in defaults for unset fields and falls back on invalid ones.
func (cfg *Config) Check() {
	if cfg.Device.Profile == "" {
		cfg.Device.Profile = "system"
	}
	if cfg.Device.Profile != "system" && cfg.Device.Profile != "bootloader" {
		log.ModEmu.Warnf("Invalid profile %q, fallback to %q", cfg.Device.Profile, "system")
		cfg.Device.Profile = "system"
	}
	if cfg.Device.BootVersion == 0 {
		cfg.Device.BootVersion = 0x0203
	}
	if cfg.Device.MinBootVersion == 0 {
		cfg.Device.MinBootVersion = 0x0200
	}
	if cfg.Device.TickHz <= 0 {
		cfg.Device.TickHz = 1000
	}
	if cfg.Device.TimeoutMs == 0 {
		cfg.Device.TimeoutMs = 500
	}
	if cfg.Parts.FlashSize <= 0 {
		cfg.Parts.FlashSize = 1 << 21
	}
	if cfg.Parts.EEPROMSize <= 0 {
		cfg.Parts.EEPROMSize = 1 << 13
	}
	if cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = 19200
	}
	if cfg.Serial.FastBaud <= 0 {
		cfg.Serial.FastBaud = 115200
	}
	if cfg.SPI.Driver == "" {
		cfg.SPI.Driver = "mem"
	}
	if cfg.SPI.Driver != "mem" && cfg.SPI.Driver != "host" {
		log.ModEmu.Warnf("Invalid spi driver %q, fallback to %q", cfg.SPI.Driver, "mem")
		cfg.SPI.Driver = "mem"
	}
	if cfg.SPI.Hz <= 0 {
		cfg.SPI.Hz = 8_000_000
	}
	if cfg.Battery.Percent == 0 {
		cfg.Battery.Percent = 100
	}
	if cfg.Battery.MilliVolts == 0 {
		cfg.Battery.MilliVolts = 4150
	}
	if cfg.Battery.Raw == 0 {
		cfg.Battery.Raw = 0x03A0
	}
}

var ConfigDir string = sync.OnceValue(func() string {
	dir := configdir.LocalConfig("octavo")
	if err := configdir.MakePath(dir); err != nil {
		log.ModEmu.Fatalf("failed to create directory %s: %v", dir, err)
	}
	return dir
})()

const cfgFilename = "config.toml"

// LoadConfigOrDefault loads the configuration from the octavo config
// directory, or provides a default one.
func LoadConfigOrDefault() Config {
	var cfg Config
	if _, err := toml.DecodeFile(filepath.Join(ConfigDir, cfgFilename), &cfg); err != nil {
		cfg = Config{}
	}
	cfg.Check()
	return cfg
}

// SaveConfig into the octavo config directory.
func SaveConfig(cfg Config) error {
	buf, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(ConfigDir, cfgFilename), buf, 0644)
}
