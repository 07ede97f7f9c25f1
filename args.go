package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Args holds parsed command-line flags, grounded on the teacher's
// flag-based args.go (Args/getArgs/printUsage).
type Args struct {
	ConfigFile string
	Port       uint16
	PortSet    bool
}

func getArgs() (Args, error) {
	configFile := flag.String("conf", "", "Path to an optional config file")
	port := flag.String("port", "", "Listen port (overrides config file and default)")
	flag.Usage = printUsage
	flag.Parse()

	var a Args
	a.ConfigFile = *configFile

	if *port != "" {
		p, err := parsePort(*port)
		if err != nil {
			return Args{}, errors.Wrap(err, "-port")
		}
		a.Port = p
		a.PortSet = true
	}

	return a, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-conf file] [-port n]\n", os.Args[0])
	flag.PrintDefaults()
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	return uint16(v), nil
}
