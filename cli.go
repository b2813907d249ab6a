package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"octavo/emu/log"
)

type mode byte

const (
	serveMode   mode = iota // Run the device simulator
	infoMode                // Show app container infos
	appsMode                // List installed apps
	installMode             // Install an app container
	removeMode              // Remove an installed app
	dumpMode                // Dump a device memory region
	versionMode             // Show octavo version
)

type (
	CLI struct {
		Serve   Serve   `cmd:"" help:"Run the device simulator. (default command)" default:"true"`
		Info    Info    `cmd:"" help:"Show infos about an app container."`
		Apps    Apps    `cmd:"" help:"List the apps installed on a device."`
		Install Install `cmd:"" help:"Install an app container onto a device."`
		Remove  Remove  `cmd:"" help:"Remove an installed app from a device."`
		Dump    Dump    `cmd:"" help:"Dump a device memory region."`
		Version Version `cmd:"" help:"Show octavo version."`

		Log logModMask `help:"${log_help}" placeholder:"mod0,mod1,..."`

		mode mode
	}

	Serve struct {
		Addr   string `name:"addr" help:"TCP address to listen on." default:"${default_addr}"`
		Serial string `name:"serial" help:"Serve on a serial port instead of TCP." placeholder:"PORT"`
	}

	// Remote tells a host-side command how to reach the device.
	Remote struct {
		Addr     string `name:"addr" help:"${addr_help}" default:"${default_addr}"`
		Serial   string `name:"serial" help:"${serial_help}" placeholder:"PORT"`
		Baud     int    `name:"baud" help:"Serial baud rate." default:"19200"`
		FastBaud int    `name:"fast-baud" help:"Serial baud rate in fast mode." default:"115200"`
		Timeout  int    `name:"timeout" help:"Response timeout in milliseconds. Zero waits forever." default:"2000"`
	}

	Info struct {
		Path string `arg:"" name:"/path/to/app.opk" help:"App container to inspect." type:"existingfile"`
		JSON bool   `name:"json" help:"Print as JSON."`
	}

	Apps struct {
		Remote
		JSON bool `name:"json" help:"Print as JSON."`
	}

	Install struct {
		Path string `arg:"" name:"/path/to/app.opk" help:"App container to install." type:"existingfile"`
		Remote
		Fast bool `name:"fast" help:"${fast_help}"`
	}

	Remove struct {
		ID uint8 `arg:"" name:"id" help:"ID of the app to remove."`
		Remote
	}

	Dump struct {
		Region string `arg:"" name:"region" help:"Memory to dump: flash or eeprom." enum:"flash,eeprom"`
		Remote
		Off  int      `name:"off" help:"Start offset." default:"0"`
		Len  int      `name:"len" help:"Bytes to dump. Zero means the whole part." default:"0"`
		Fast bool     `name:"fast" help:"${fast_help}"`
		Out  *outfile `name:"out" help:"Write to file instead of stdout." placeholder:"FILE|stdout|stderr"`
	}

	Version struct{}
)

var vars = kong.Vars{
	"default_addr": "localhost:14415",
	"addr_help":    "TCP address of a served device.",
	"serial_help":  "Serial port of a real device. Takes precedence over --addr.",
	"fast_help":    "Switch to the fast baud rate for bulk transfers.",
	"log_help":     "Enable logging for specified modules.",
}

func parseArgs(args []string) CLI {
	var cfg CLI
	parser, err := kong.New(&cfg,
		kong.Name("octavo"),
		kong.Description("Octavo handheld devtool: device simulator and app programmer."),
		kong.UsageOnError(),
		kong.Help(printHelp),
		vars)
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args)
	checkf(err, "failed to parse command line")
	checkf(ctx.Error, "failed to parse command line")

	switch ctx.Command() {
	case "info </path/to/app.opk>":
		cfg.mode = infoMode
	case "apps":
		cfg.mode = appsMode
	case "install </path/to/app.opk>":
		cfg.mode = installMode
	case "remove <id>":
		cfg.mode = removeMode
	case "dump <region>":
		cfg.mode = dumpMode
	case "version":
		cfg.mode = versionMode
	default:
		cfg.mode = serveMode
	}
	return cfg
}

func printHelp(options kong.HelpOptions, ctx *kong.Context) error {
	if err := kong.DefaultHelpPrinter(options, ctx); err != nil {
		return err
	}
	if strings.HasPrefix(ctx.Command(), "serve") {
		loggingHelp := `
Log modules:
  The --log flag accepts a comma-separated list of modules.

  Valid log modules are:
%s

  As a special case, the following values are accepted:
    - no                     Disable all logging.
    - all                    Enable all logs.
`
		var strs []string
		for _, m := range log.ModuleNames() {
			strs = append(strs, "    - "+m)
		}

		fmt.Fprintf(os.Stderr, loggingHelp, strings.Join(strs, "\n"))
	}

	return nil
}

type logModMask log.ModuleMask

// Decode decodes a comma-separated list of module names into a module mask.
//
// Implements kong.MapperValue interface.
func (lm logModMask) Decode(ctx *kong.DecodeContext) error {
	nolog := false
	allLogs := false

	tok := ctx.Scan.Pop()
	for _, v := range strings.Split(tok.Value.(string), ",") {
		switch v {
		case "all":
			allLogs = true
		case "no":
			nolog = true
		default:
			mod, ok := log.ModuleByName(v)
			if !ok {
				return fmt.Errorf("unknown log module %s", v)
			}
			lm |= logModMask(mod.Mask())
		}
	}

	if nolog {
		if allLogs {
			return fmt.Errorf("cannot use 'all' and 'no' together")
		}
		if lm != 0 {
			return fmt.Errorf("cannot combine 'no' with other log modules")
		}
		log.Disable()
		return nil
	}

	if allLogs {
		lm = logModMask(log.ModuleMaskAll)
	}

	log.EnableDebugModules(log.ModuleMask(lm))
	return nil
}

type outfile struct {
	w     io.Writer
	name  string
	close func() error
}

// Decode decodes FILE|stdout|stderr into an io.WriteCloser
// that writes to that file.
//
// Implements kong.MapperValue interface.
func (f *outfile) Decode(ctx *kong.DecodeContext) error {
	tok := ctx.Scan.Pop()
	f.name = tok.Value.(string)
	f.close = func() error { return nil }

	switch f.name {
	case "stdout":
		f.w = os.Stdout
	case "stderr":
		f.w = os.Stderr
	default:
		fd, err := os.Create(f.name)
		if err != nil {
			return err
		}
		f.w = fd
		f.close = fd.Close
	}
	return nil
}

func (f *outfile) String() string              { return f.name }
func (f *outfile) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *outfile) Close() error                { return f.close() }

func checkf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	fatalf(format+".\n"+err.Error(), args...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal error:")
	fmt.Fprintf(os.Stderr, "\n\t%s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
