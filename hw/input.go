package hw

// Button bits of the input port.
const (
	BtnUp uint8 = 1 << iota
	BtnDown
	BtnLeft
	BtnRight
	BtnA
	BtnB
	BtnC
)

// Buttons is the snapshot of the 8-bit input port.
type Buttons struct {
	state uint8
}

func (b *Buttons) Press(mask uint8)   { b.state |= mask }
func (b *Buttons) Release(mask uint8) { b.state &^= mask }
func (b *Buttons) Set(state uint8)    { b.state = state }
func (b *Buttons) State() uint8       { return b.state }
