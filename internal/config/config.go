// Package config holds the settings of the development server and the rules
// for loading them from files, the environment and the command line.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/f4ah6o/devserver-go/internal/mimetype"
)

// DefaultPort is the port the server listens on when nothing else is configured.
const DefaultPort = 8000

// Environment variables read by ApplyEnv.
const (
	EnvPort = "PORT"
	EnvRoot = "DEVSERVER_ROOT"
	EnvBind = "DEVSERVER_BIND"
)

// Config is the process-wide configuration of the server.
// It is built once at startup and treated as read-only after Validate.
type Config struct {
	// Port is the TCP port to listen on. 0 picks a free port.
	Port int
	// Bind is the host or IP address to listen on, without a port.
	// Hostnames are resolved by the listener. Empty means all interfaces.
	Bind string
	// Root is the document root. Empty means the directory of the executable.
	Root string
	// Serial makes the server handle one connection at a time with keep-alives off.
	Serial bool
	// Quiet disables the per-request access log.
	Quiet bool
	// MIMETypes adds or replaces extension to content-type mappings.
	MIMETypes map[string]string
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	types := make(map[string]string, len(mimetype.Overrides))
	for ext, ct := range mimetype.Overrides {
		types[ext] = ct
	}
	return &Config{
		Port:      DefaultPort,
		MIMETypes: types,
	}
}

// fileConfig is the on-disk form of Config. Pointer fields tell an absent
// key apart from a zero value, so "port = 0" in a file is honoured.
type fileConfig struct {
	Port      *int              `toml:"port" yaml:"port"`
	Bind      *string           `toml:"bind" yaml:"bind"`
	Root      *string           `toml:"root" yaml:"root"`
	Serial    *bool             `toml:"serial" yaml:"serial"`
	Quiet     *bool             `toml:"quiet" yaml:"quiet"`
	MIMETypes map[string]string `toml:"mime_types" yaml:"mime_types"`
}

// Load reads a config file on top of the defaults.
// The format is chosen from the file extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var file fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}

	cfg := Default()
	cfg.merge(&file)
	return cfg, nil
}

func (c *Config) merge(file *fileConfig) {
	if file.Port != nil {
		c.Port = *file.Port
	}
	if file.Bind != nil {
		c.Bind = *file.Bind
	}
	if file.Root != nil {
		c.Root = *file.Root
	}
	if file.Serial != nil {
		c.Serial = *file.Serial
	}
	if file.Quiet != nil {
		c.Quiet = *file.Quiet
	}
	for ext, ct := range file.MIMETypes {
		c.MIMETypes[mimetype.NormalizeExt(ext)] = ct
	}
}

// ApplyEnv overrides c with the PORT, DEVSERVER_ROOT and DEVSERVER_BIND variables.
// getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Port = port
	}
	if v := getenv(EnvRoot); v != "" {
		c.Root = v
	}
	if v := getenv(EnvBind); v != "" {
		c.Bind = v
	}
	return nil
}

// Validate checks that c can be used to start a server.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 0-65535", c.Port)
	}
	if err := validateBind(c.Bind); err != nil {
		return err
	}
	if _, err := mimetype.New(c.MIMETypes); err != nil {
		return fmt.Errorf("mime_types: %w", err)
	}
	return nil
}

// validateBind accepts an empty value, an IP address or a hostname.
// Ports belong in Port.
func validateBind(bind string) error {
	if bind == "" || net.ParseIP(bind) != nil {
		return nil
	}
	if strings.ContainsAny(bind, ":[]/ \t") {
		return fmt.Errorf("bind address %q must be a host or IP address without a port", bind)
	}
	return nil
}

// Addr returns the host:port string to listen on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// ErrNotDirectory is returned by ResolveRoot when the root is a regular file.
var ErrNotDirectory = errors.New("document root is not a directory")

// ResolveRoot turns dir into an absolute, symlink-free directory path.
// An empty dir resolves to the directory holding the running executable,
// or the working directory when the binary was built by "go run".
func ResolveRoot(dir string) (string, error) {
	if dir == "" {
		var err error
		dir, err = executableDir()
		if err != nil {
			return "", err
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}
	return abs, nil
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	dir := filepath.Dir(exe)
	// go run builds into a throwaway temp dir; serve where the user is instead.
	if strings.Contains(dir, string(filepath.Separator)+"go-build") {
		return os.Getwd()
	}
	return dir, nil
}
