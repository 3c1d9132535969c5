// jitdump - inspect jitcode dumps and the JIT front end
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/params"
)

var log = commonlog.GetLogger("metajit.jitdump")

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0 = errors only)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	paramsFile := flag.String("params", "", "Load JIT parameters from a TOML file (default: search for metajit.toml)")
	jitSpec := flag.String("jit", "", "JIT parameter string, e.g. threshold=10,trace_limit=500")
	demo := flag.Bool("demo", false, "Compile and run the built-in demo loop")
	out := flag.String("o", "", "Write the jitcodes compiled by -demo as a CBOR dump")
	showParams := flag.Bool("params-only", false, "Print the effective parameters and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jitdump [options] [dump files...]\n\n")
		fmt.Fprintf(os.Stderr, "Disassembles CBOR jitcode dumps and exercises the JIT front end.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  jitdump -demo                       # Compile the demo loop, print its jitcode\n")
		fmt.Fprintf(os.Stderr, "  jitdump -demo -jit threshold=3 -v 2 # Watch the warm-up gate trace it\n")
		fmt.Fprintf(os.Stderr, "  jitdump -demo -o sum.cbor           # Save the demo jitcodes\n")
		fmt.Fprintf(os.Stderr, "  jitdump sum.cbor                    # Disassemble a saved dump\n")
	}
	flag.Parse()

	p, err := loadParams(*paramsFile, *jitSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := p.Log.Verbosity
	if *verbose > 0 {
		verbosity = *verbose
	}
	path := p.Log.File
	if *logFile != "" {
		path = *logFile
	}
	if path != "" {
		commonlog.Configure(verbosity, &path)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	if *showParams {
		fmt.Println(p)
		os.Exit(0)
	}

	if *demo {
		if err := runDemo(p, *out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	files := flag.Args()
	for _, file := range files {
		if err := disassembleFile(file); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if !*demo && len(files) == 0 {
		flag.Usage()
		os.Exit(2)
	}
}

func loadParams(file, spec string) (*params.Params, error) {
	var p *params.Params
	var err error
	if file != "" {
		p, err = params.Load(file)
	} else {
		p, err = params.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if p.Dir != "" {
		log.Infof("parameters from %s", p.Dir)
	}
	return p.ParseSpec(spec)
}

func disassembleFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	dumps, err := jitcode.UnmarshalDump(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("%s holds %d jitcodes", path, len(dumps))
	for _, d := range dumps {
		fmt.Print(d.JitCode().Disassemble())
		fmt.Println()
	}
	return nil
}
