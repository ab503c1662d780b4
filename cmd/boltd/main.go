package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bolt/internal/conn"
	"bolt/internal/httpsend"
	"bolt/internal/qr"
	"bolt/internal/session"
	"bolt/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		runCmd("run", nil, false)
		return
	}
	switch os.Args[1] {
	case "run":
		runCmd("run", os.Args[2:], false)
	case "headless":
		runCmd("headless", os.Args[2:], true)
	case "reset":
		resetCmd(os.Args[2:])
	case "qr":
		qrCmd(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("boltd %s (%s) %s\n", version, commit, date)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("boltd <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run       Start the backend and the asset server (default)")
	fmt.Println("  headless  Start the backend without the asset server")
	fmt.Println("  reset     Wipe and recreate the bolt home directory")
	fmt.Println("  qr        Print a QR code for the client URL")
	fmt.Println("  version   Print version")
}

type runConfig struct {
	Addr           string
	Home           string
	Static         string
	SyncInterval   time.Duration
	TickInterval   time.Duration
	ReadWait       time.Duration
	ConnectTimeout time.Duration
	HTTPTimeout    time.Duration
	LogLevel       string
	LogFile        string
	LocalOnly      bool
	PrintQR        bool
	Open           bool
	Headless       bool
	Reset          bool
}

func (c runConfig) connConfig() conn.Config {
	return conn.Config{
		SyncInterval:   c.SyncInterval,
		TickInterval:   c.TickInterval,
		ReadWait:       c.ReadWait,
		ConnectTimeout: c.ConnectTimeout,
	}
}

func parseRunFlags(name string, args []string, headless bool) (runConfig, error) {
	cfg := runConfig{Headless: headless}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", "127.0.0.1:3344", "control channel listen address; assets are served on port+1, port 0 picks a free pair")
	fs.StringVar(&cfg.Home, "home", "", "bolt home directory (default ~/bolt)")
	fs.StringVar(&cfg.Static, "static", "", "asset directory (default <home>/dist)")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", conn.DefaultSyncInterval, "reconciliation interval")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", conn.DefaultTickInterval, "worker poll interval")
	fs.DurationVar(&cfg.ReadWait, "read-wait", conn.DefaultReadWait, "reader sidecar bounded wait")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", conn.DefaultConnectTimeout, "transport connect timeout")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", httpsend.DefaultTimeout, "SEND_HTTP request timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn, error or none")
	fs.StringVar(&cfg.LogFile, "log-file", "", "write rotated JSON logs here instead of stderr")
	fs.BoolVar(&cfg.LocalOnly, "local-only", true, "accept control channels from loopback only")
	fs.BoolVar(&cfg.PrintQR, "qr", false, "print a QR code for the client URL")
	fs.BoolVar(&cfg.Open, "open", !headless, "open the client in the default browser")
	fs.BoolVar(&cfg.Reset, "reset", false, "wipe the home directory before starting")
	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if os.Getenv("BOLT_DEV") != "" {
		cfg.Reset = true
	}
	if cfg.Home == "" {
		h, err := store.DefaultHome()
		if err != nil {
			return runConfig{}, err
		}
		cfg.Home = h.Dir
	}
	if cfg.Static == "" {
		cfg.Static = store.Home{Dir: cfg.Home}.DistPath()
	}
	return cfg, nil
}

func runCmd(name string, args []string, headless bool) {
	cfg, err := parseRunFlags(name, args, headless)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	home := fs.String("home", "", "bolt home directory (default ~/bolt)")
	fs.Parse(args)

	h, err := resolveHome(*home)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("resetting home", h.Dir)
	if err := h.Reset(defaultStateJSON()); err != nil {
		log.Fatal(err)
	}
	fmt.Println("home has been reset")
}

func qrCmd(args []string) {
	fs := flag.NewFlagSet("qr", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:3344", "control channel listen address")
	compact := fs.Bool("compact", false, "half-block output")
	fs.Parse(args)

	link := fs.Arg(0)
	if link == "" {
		var err error
		link, err = clientURL(*addr)
		if err != nil {
			log.Fatal(err)
		}
	}
	if err := qr.Render(os.Stdout, link, *compact); err != nil {
		log.Fatal(err)
	}
}

func resolveHome(dir string) (store.Home, error) {
	if dir != "" {
		return store.Home{Dir: dir}, nil
	}
	return store.DefaultHome()
}

func defaultStateJSON() []byte {
	data, err := json.Marshal(session.NewState())
	if err != nil {
		panic(err)
	}
	return data
}
