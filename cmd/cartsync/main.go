// Command cartsync drives a local-first cart from the shell. State lives in
// the configured local store; when a session is saved the cart is kept in
// step with the storefront backend.
//
// Usage:
//
//	cartsync [-config cartsync.yaml] [-env .env] <command> [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
)

const usageText = `usage: cartsync [-config file] [-env file] [-log-level level] <command> [flags]

commands:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "cartsync:", err)
		}
		os.Exit(1)
	}
}

// run parses the global flags, opens the application and dispatches to the
// named command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("cartsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the YAML configuration file")
	envFile := fs.String("env", "", "Path to a .env file (default: ./.env when present)")
	logLevel := fs.String("log-level", "", "Override the configured log level (trace, debug, info, warn, error)")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}

	a, err := openApp(ctx, *configPath, envFiles, *logLevel, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	return cmd.exec(ctx, a, fs.Args()[1:], stdout)
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprint(w, usageText)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].help)
	}
	fmt.Fprintln(w, "\nglobal flags:")
	fs.PrintDefaults()
}
