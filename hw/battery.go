package hw

// Battery status values reported over the wire.
const (
	BattDischarging uint8 = iota
	BattCharging
	BattCharged
	BattLow
)

// Battery holds the readings the protocol reports. ADC sampling and curve
// interpolation belong to the hardware port; the simulator and tests feed
// values in through Set.
type Battery struct {
	status  uint8
	percent uint8
	mv      uint16
	raw     uint16

	calibrating bool
}

func (b *Battery) Set(status, percent uint8, mv, raw uint16) {
	b.status = status
	b.percent = percent
	b.mv = mv
	b.raw = raw
}

func (b *Battery) Reading() (status, percent uint8, mv, raw uint16) {
	return b.status, b.percent, b.mv, b.raw
}

func (b *Battery) SetCalibrating(on bool) {
	b.calibrating = on
}

func (b *Battery) Calibrating() bool {
	return b.calibrating
}
