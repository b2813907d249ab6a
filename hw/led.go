package hw

// LED is the status LED. Toggles are counted so tests can observe the lock
// liveness blink.
type LED struct {
	on      bool
	toggles int
}

func (l *LED) Set(on bool) { l.on = on }
func (l *LED) On() bool    { return l.on }

func (l *LED) Toggle() {
	l.on = !l.on
	l.toggles++
}

func (l *LED) Toggles() int { return l.toggles }
