package hw

// Display drive defaults and clamps.
const (
	ContrastDefault = 0x38
	ContrastMax     = 0x7F
	ColorDefault    = 0x00
	ColorMax        = 0x0F
)

// DisplayCtl models the display's two control lines and the paging and
// drive-level state the loader and the battery-calibration packets adjust.
// Pixel data goes over the SPI bus and is not interpreted here.
type DisplayCtl struct {
	dataCmd bool
	reset   bool

	contrast   uint8
	color      uint8
	pageHeight uint8
}

func NewDisplayCtl() *DisplayCtl {
	return &DisplayCtl{contrast: ContrastDefault, color: ColorDefault}
}

func (d *DisplayCtl) SetLines(dataCmd, reset bool) {
	d.dataCmd = dataCmd
	d.reset = reset
}

func (d *DisplayCtl) Lines() (dataCmd, reset bool) {
	return d.dataCmd, d.reset
}

func (d *DisplayCtl) SetContrast(v uint8) {
	if v > ContrastMax {
		v = ContrastMax
	}
	d.contrast = v
}

func (d *DisplayCtl) Contrast() uint8 { return d.contrast }

func (d *DisplayCtl) SetColor(v uint8) {
	if v > ColorMax {
		v = ColorMax
	}
	d.color = v
}

func (d *DisplayCtl) Color() uint8 { return d.color }

func (d *DisplayCtl) SetPageHeight(h uint8) { d.pageHeight = h }
func (d *DisplayCtl) PageHeight() uint8     { return d.pageHeight }

// RestoreDrive puts contrast and color back to their defaults, as entering
// battery calibration does.
func (d *DisplayCtl) RestoreDrive() {
	d.contrast = ContrastDefault
	d.color = ColorDefault
}

// DisplayChip is the display's data path on the in-memory bus: it swallows
// whatever is shifted at it. Chip-select and transfer semantics only,
// drawing is not modelled.
type DisplayChip struct {
	received int
}

func (c *DisplayChip) Begin() {}
func (c *DisplayChip) End()   {}

func (c *DisplayChip) Transfer(b byte) byte {
	c.received++
	return 0
}

// Received returns the number of bytes shifted at the display so far.
func (c *DisplayChip) Received() int { return c.received }
