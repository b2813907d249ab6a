package main

import "os"

func main() {
	cfg := parseArgs(os.Args[1:])

	switch cfg.mode {
	case serveMode:
		serveMain(cfg.Serve)
	case infoMode:
		infoMain(cfg.Info)
	case appsMode:
		appsMain(cfg.Apps)
	case installMode:
		installMain(cfg.Install)
	case removeMode:
		removeMain(cfg.Remove)
	case dumpMode:
		dumpMain(cfg.Dump)
	case versionMode:
		versionMain()
	}
}
