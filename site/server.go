// Package main provides a no-cache static file server for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/f4ah6o/devserver-go/internal/config"
	"github.com/f4ah6o/devserver-go/internal/devserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run starts the server and blocks until ctx is cancelled.
// It returns the process exit status.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	cfg, err := loadConfig(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.Printf("Invalid configuration: %v", err)
		return 1
	}

	root, err := config.ResolveRoot(cfg.Root)
	if err != nil {
		logger.Printf("Failed to resolve document root: %v", err)
		return 1
	}
	if err := os.Chdir(root); err != nil {
		logger.Printf("Failed to enter document root: %v", err)
		return 1
	}

	srv, err := devserver.New(cfg, root, logger)
	if err != nil {
		logger.Printf("Failed to create server: %v", err)
		return 1
	}

	if err := srv.Listen(); err != nil {
		reportBindError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "🌐 Starting server on %s\n", color.CyanString("http://localhost:%d", srv.Port()))
	fmt.Fprintf(stdout, "   Serving %s\n", root)
	fmt.Fprintln(stdout, "Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil {
		logger.Printf("Server error: %v", err)
		return 1
	}
	fmt.Fprintln(stdout)
	color.New(color.FgGreen).Fprintln(stdout, "Server stopped.")
	return 0
}

// loadConfig layers defaults, the optional config file, the environment and
// finally the flags that were set explicitly on the command line.
// Usage and flag errors go to output.
func loadConfig(args []string, getenv func(string) string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)
	fs.SetOutput(output)
	port := fs.Int("port", config.DefaultPort, "Port to serve on")
	dir := fs.String("dir", "", "Directory to serve (default: directory of the executable)")
	bind := fs.String("bind", "", "Host or address to bind (default: all interfaces)")
	configPath := fs.String("config", "", "Path to a .toml or .yaml config file")
	serial := fs.Bool("serial", false, "Handle one connection at a time")
	quiet := fs.Bool("quiet", false, "Disable the access log")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "dir":
			cfg.Root = *dir
		case "bind":
			cfg.Bind = *bind
		case "serial":
			cfg.Serial = *serial
		case "quiet":
			cfg.Quiet = *quiet
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reportBindError prints err and, for a bind failure, how to get past it.
// The server does not retry on its own.
func reportBindError(w io.Writer, err error) {
	color.New(color.FgRed).Fprintf(w, "Error: %v\n", err)
	var bindErr *devserver.BindError
	if errors.As(err, &bindErr) {
		color.New(color.FgYellow).Fprintf(w, "Try waiting a few seconds or changing the port (-port, $%s or the config file)\n", config.EnvPort)
	}
}
