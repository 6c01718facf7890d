package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const configFilename = "config.json"

type root struct {
	// Path is the path to the rootfs
	Path string `json:"path"`
}

type process struct {
	// Args is the command to run
	Args []string `json:"args"`
	// Env is the environment variables to set
	Env []string `json:"env"`
}

type config struct {
	Root    root    `json:"root"`
	Process process `json:"process"`
	// Tape overrides the interpreter's tape length for this bundle.
	// Zero keeps the default (tape sized to the program).
	Tape int `json:"tape,omitempty"`
}

// Config is the validated runtime configuration of a bundle.
type Config struct {
	Root       string
	Entrypoint string
	Tape       int
	Path       []string
}

// ReadConfig reads and validates the bundle's config file. The bundle
// must name exactly one brainfuck script as the command, and the
// script must exist under the rootfs.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(path, configFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", configFilename)
		}
		return nil, err
	}

	var config config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	if config.Root.Path == "" {
		return nil, fmt.Errorf("root path not found in config file %s", configFilename)
	}

	if len(config.Process.Args) != 1 {
		return nil, fmt.Errorf("incorrect number of args in the CMD. Expected 1, got %d", len(config.Process.Args))
	}

	arg0 := config.Process.Args[0]

	switch filepath.Ext(arg0) {
	case ".bf", ".brainfuck":
	default:
		return nil, fmt.Errorf("entry point (%s) is not a .bf file", arg0)
	}

	script := filepath.Join(config.Root.Path, arg0)
	if _, err := os.Stat(script); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("script %s does not exist: %w", arg0, err)
		}
		return nil, fmt.Errorf("checking script %s: %w", arg0, err)
	}

	if config.Tape < 0 {
		return nil, fmt.Errorf("negative tape length %d in config file %s", config.Tape, configFilename)
	}

	// Grab the PATH environment variable of the process
	var split_path []string
	for _, env := range config.Process.Env {
		if value, ok := strings.CutPrefix(env, "PATH="); ok {
			split_path = strings.Split(value, ":")
			break
		}
	}

	return &Config{
		Root:       config.Root.Path,
		Entrypoint: arg0,
		Tape:       config.Tape,
		Path:       split_path,
	}, nil
}

func (c *Config) FullPath() string {
	return filepath.Join(c.Root, c.Entrypoint)
}
