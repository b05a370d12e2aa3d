package core

import (
	"flag"
	"fmt"
	"strings"
)

// stringList collects a repeatable flag (e.g. --instanceExtension) into a
// slice, appending on every occurrence instead of overwriting.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Config is the immutable result of parsing the CLI surface consumed at
// instance/device construction.
type Config struct {
	DeviceIndex        int
	Width, Height      int
	Fullscreen         bool
	ValidationLayers   []string
	InstanceExtensions []string
	DeviceExtensions   []string
	DebugMessenger     bool
	NoPipelineCache    bool
}

// ParseConfig parses args (typically os.Args[1:]) into a Config. All flags
// are optional; omitted flags take their documented defaults.
func ParseConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("core", flag.ContinueOnError)

	cfg := &Config{Width: 1280, Height: 720}
	var validationLayers, instanceExtensions, deviceExtensions stringList

	fs.IntVar(&cfg.DeviceIndex, "deviceIndex", 0, "physical device index to select")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "initial window client width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "initial window client height")
	fs.BoolVar(&cfg.Fullscreen, "fullscreen", false, "start fullscreen")
	fs.Var(&validationLayers, "validationLayer", "enable additional validation layer (repeatable)")
	fs.Var(&instanceExtensions, "instanceExtension", "request additional instance extension (repeatable)")
	fs.Var(&deviceExtensions, "deviceExtension", "request additional device extension (repeatable)")
	fs.BoolVar(&cfg.DebugMessenger, "debugMessenger", false, "install a debug messenger and enable validation")
	fs.BoolVar(&cfg.NoPipelineCache, "no-pipeline-cache", false, "skip reading/writing the pipeline cache file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ValidationLayers = []string(validationLayers)
	cfg.InstanceExtensions = []string(instanceExtensions)
	cfg.DeviceExtensions = []string(deviceExtensions)
	if cfg.DebugMessenger {
		cfg.ValidationLayers = append(cfg.ValidationLayers, "VK_LAYER_KHRONOS_validation")
	}
	return cfg, nil
}
