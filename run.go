package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/go-faster/jx"

	"octavo/comm"
	"octavo/load"
	"octavo/opak"
	"octavo/prog"
)

// connect opens the transport a host command drives the device through:
// a raw serial port if --serial was given, TCP otherwise.
func connect(r Remote) (tr comm.Transport, closer func() error) {
	if r.Serial != "" {
		s, err := comm.OpenSerial(r.Serial, r.Baud, r.FastBaud)
		checkf(err, "failed to open %s", r.Serial)
		return s, s.Close
	}
	c, err := net.Dial("tcp", r.Addr)
	checkf(err, "failed to connect to %s", r.Addr)
	t := comm.NewConn(c)
	return t, t.Close
}

func newClient(r Remote) (*prog.Client, func() error) {
	tr, closer := connect(r)
	c := prog.NewClient(tr)
	c.SetTimeout(time.Duration(r.Timeout) * time.Millisecond)
	return c, closer
}

func infoMain(args Info) {
	fw, err := opak.Open(args.Path)
	checkf(err, "failed to open %s", args.Path)

	if args.JSON {
		var e jx.Encoder
		e.SetIdent(2)
		firmwareJSON(&e, fw)
		fmt.Println(e.String())
		return
	}
	fw.PrintInfos(os.Stdout)
}

func appsMain(args Apps) {
	c, closer := newClient(args.Remote)
	defer closer()

	ix, err := c.ReadIndex()
	checkf(err, "failed to read the app index")

	if args.JSON {
		var e jx.Encoder
		e.SetIdent(2)
		e.Arr(func(e *jx.Encoder) {
			for _, a := range ix.Apps() {
				entryJSON(e, a)
			}
		})
		fmt.Println(e.String())
		return
	}

	if ix.Count() == 0 {
		fmt.Println("no apps installed")
		return
	}
	fmt.Printf(" ID  %-16s  %-6s  %-8s  %8s  %s\n", "NAME", "VER", "FLASH", "SIZE", "EEPROM")
	for _, a := range ix.Apps() {
		ee := "-"
		if a.EEPROMSize > 0 {
			ee = fmt.Sprintf("%d@%#06x", a.EEPROMSize, a.EEPROMOff)
		}
		fmt.Printf("%3d  %-16s  %#06x  %#08x  %8d  %s\n",
			a.AppID, a.Name, a.AppVersion, a.FlashAddr, a.TotalSize, ee)
	}
}

func installMain(args Install) {
	fw, err := opak.Open(args.Path)
	checkf(err, "failed to open %s", args.Path)

	c, closer := newClient(args.Remote)
	defer closer()

	c.SetFastTransfers(args.Fast)
	c.SetProgress(func(done, total int) {
		if total == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\rprogramming %3d%%", 100*done/total)
		if done == total {
			fmt.Fprintln(os.Stderr)
		}
	})

	checkf(c.Install(fw), "failed to install %s", args.Path)
	fmt.Printf("installed %q as app %d\n", fw.Name(), fw.AppID())
}

func removeMain(args Remove) {
	c, closer := newClient(args.Remote)
	defer closer()

	checkf(c.Remove(args.ID), "failed to remove app %d", args.ID)
	fmt.Printf("removed app %d\n", args.ID)
}

func dumpMain(args Dump) {
	if args.Off < 0 || args.Len < 0 {
		fatalf("dump range cannot be negative")
	}

	c, closer := newClient(args.Remote)
	defer closer()

	var w io.Writer = os.Stdout
	if args.Out != nil {
		w = args.Out
		defer args.Out.Close()
	}

	// Whole dump under one lock: continuous receive instead of one packet
	// per device tick.
	checkf(c.Lock(true), "failed to lock the device")
	defer c.Lock(false)

	if args.Fast {
		checkf(c.FastMode(true), "failed to switch to fast mode")
		defer c.FastMode(false)
	}

	switch args.Region {
	case "flash":
		id, err := c.JEDECID()
		checkf(err, "failed to identify the flash part")
		if id[2] == 0 || id[2] == 0xFF {
			fatalf("flash not responding (JEDEC ID % x)", id)
		}
		size := 1 << id[2]
		end := size
		if args.Len > 0 {
			end = min(size, args.Off+args.Len)
		}
		if args.Off >= end {
			fatalf("offset %#x past the end of flash (%#x)", args.Off, size)
		}

		buf := make([]byte, 4096)
		for off := args.Off; off < end; off += len(buf) {
			n := min(len(buf), end-off)
			checkf(c.ReadFlash(uint32(off), buf[:n]), "flash read failed at %#x", off)
			_, err := w.Write(buf[:n])
			checkf(err, "write failed")
		}

	case "eeprom":
		// The EEPROM part has no identification command. Dump the default
		// part size unless --len says otherwise.
		end := 1 << 13
		if args.Len > 0 {
			end = args.Off + args.Len
		}
		if args.Off >= end || end > 1<<16 {
			fatalf("dump range %#x+%#x out of reach", args.Off, args.Len)
		}

		buf := make([]byte, 256)
		for off := args.Off; off < end; off += len(buf) {
			n := min(len(buf), end-off)
			checkf(c.ReadEEPROM(uint16(off), buf[:n]), "eeprom read failed at %#x", off)
			_, err := w.Write(buf[:n])
			checkf(err, "write failed")
		}
	}
}

// version is stamped by the linker on release builds.
var version string

func versionMain() {
	v := version
	if v == "" {
		v = "(devel)"
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 8 {
					v = s.Value[:8]
				}
			}
		}
	}
	fmt.Println("octavo", v)
}

func hex16(v uint16) string { return fmt.Sprintf("%#06x", v) }

func entryJSON(e *jx.Encoder, a load.Entry) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int(int(a.AppID)) })
		e.Field("name", func(e *jx.Encoder) { e.Str(a.Name) })
		e.Field("author", func(e *jx.Encoder) { e.Str(a.Author) })
		e.Field("build_date", func(e *jx.Encoder) { e.Str(a.BuildDate) })
		e.Field("app_version", func(e *jx.Encoder) { e.Str(hex16(a.AppVersion)) })
		e.Field("boot_version", func(e *jx.Encoder) { e.Str(hex16(a.BootVersion)) })
		e.Field("page_height", func(e *jx.Encoder) { e.Int(int(a.PageHeight)) })
		e.Field("flash_addr", func(e *jx.Encoder) { e.Str(fmt.Sprintf("%#08x", a.FlashAddr)) })
		e.Field("total_size", func(e *jx.Encoder) { e.Int(int(a.TotalSize)) })
		e.Field("code_size", func(e *jx.Encoder) { e.Int(int(a.CodeSize)) })
		e.Field("eeprom_off", func(e *jx.Encoder) { e.Int(int(a.EEPROMOff)) })
		e.Field("eeprom_size", func(e *jx.Encoder) { e.Int(int(a.EEPROMSize)) })
		e.Field("image_crc", func(e *jx.Encoder) { e.Str(hex16(a.ImageCRC)) })
		e.Field("code_crc", func(e *jx.Encoder) { e.Str(hex16(a.CodeCRC)) })
	})
}

func firmwareJSON(e *jx.Encoder, fw *opak.Firmware) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int(int(fw.AppID())) })
		e.Field("name", func(e *jx.Encoder) { e.Str(fw.Name()) })
		e.Field("author", func(e *jx.Encoder) { e.Str(fw.Author()) })
		e.Field("build_date", func(e *jx.Encoder) { e.Str(fw.BuildDate()) })
		e.Field("app_version", func(e *jx.Encoder) { e.Str(hex16(fw.AppVersion())) })
		e.Field("boot_version", func(e *jx.Encoder) { e.Str(hex16(fw.BootVersion())) })
		e.Field("page_height", func(e *jx.Encoder) { e.Int(int(fw.PageHeight())) })
		e.Field("code_size", func(e *jx.Encoder) { e.Int(len(fw.Code)) })
		e.Field("asset_size", func(e *jx.Encoder) { e.Int(len(fw.Assets)) })
		e.Field("eeprom_size", func(e *jx.Encoder) { e.Int(int(fw.EEPROMSize())) })
	})
}
