// Package config holds the receiver configuration: instrument parameters,
// waterfall geometry and network addresses.
//
// Values start from the stock defaults and may be overridden by a YAML,
// JSON or TOML file. Parameter names follow the correlator configuration,
// so a correlator config file can be passed directly: keys are read from
// the top level and from any section whose kotekan_process is rfiBroadcast.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
)

// BroadcastProcess is the kotekan_process value of the sections whose keys
// are merged into the configuration.
const BroadcastProcess = "rfiBroadcast"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the full receiver configuration.
type Config struct {
	Mode string

	// Instrument parameters.
	FramesPerPacket   int
	NumFreq           int
	NumLocalFreq      int
	SamplesPerDataSet int
	NumElements       int
	Timestep          float64 // seconds
	BytesPerFreq      int
	SKStep            int
	VDIFHeaderSize    int
	ChimeHeaderSize   int

	// Waterfall geometry: WaterfallX time columns by WaterfallY channels.
	WaterfallX int
	WaterfallY int

	// Network. Receive is the UDP bind address of the first receiver;
	// receiver i listens on the same host at port+i.
	Receive           string
	Send              string
	NumReceiveThreads int
	RcvBuf            int // SO_RCVBUF bytes, 0 keeps the OS default

	QueryCompression bool
	LogInterval      time.Duration
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Mode:              "pathfinder",
		FramesPerPacket:   4,
		NumFreq:           1024,
		NumLocalFreq:      8,
		SamplesPerDataSet: 32768,
		NumElements:       2,
		Timestep:          2.56e-6,
		BytesPerFreq:      16,
		SKStep:            256,
		VDIFHeaderSize:    21,
		ChimeHeaderSize:   35,
		WaterfallX:        1024,
		WaterfallY:        1024,
		Receive:           "0.0.0.0:2900",
		Send:              "0.0.0.0:41214",
		NumReceiveThreads: 1,
		RcvBuf:            4 << 20,
		LogInterval:       time.Minute,
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile merges the settings in path into c.
func (c *Config) LoadFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		return fmt.Errorf("config file must be .yaml, .yml, .json or .toml, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v := viper.New()
	v.SetConfigFile(cleanPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	c.Merge(v.AllSettings())
	return nil
}

// Merge applies settings: top-level keys first, then the keys of every
// rfiBroadcast section in section-name order. Keys are matched
// case-insensitively. Unknown keys are skipped; known keys whose value has
// the wrong type are logged and skipped.
func (c *Config) Merge(settings map[string]interface{}) {
	var sections []string
	for key, value := range settings {
		if section, ok := asMap(value); ok {
			if isBroadcastSection(section) {
				sections = append(sections, key)
			}
			continue
		}
		c.set(key, value)
	}

	sort.Strings(sections)
	for _, name := range sections {
		section, _ := asMap(settings[name])
		for key, value := range section {
			c.set(key, value)
		}
	}
}

func isBroadcastSection(section map[string]interface{}) bool {
	for key, value := range section {
		if strings.EqualFold(key, "kotekan_process") {
			s, ok := value.(string)
			return ok && s == BroadcastProcess
		}
	}
	return false
}

// set assigns one key. It reports whether the key was known and accepted.
func (c *Config) set(key string, value interface{}) bool {
	var ok bool
	switch strings.ToLower(key) {
	case "mode":
		ok = setString(&c.Mode, value)
	case "frames_per_packet":
		ok = setInt(&c.FramesPerPacket, value)
	case "num_freq":
		ok = setInt(&c.NumFreq, value)
	case "num_local_freq":
		ok = setInt(&c.NumLocalFreq, value)
	case "samples_per_data_set":
		ok = setInt(&c.SamplesPerDataSet, value)
	case "num_elements":
		ok = setInt(&c.NumElements, value)
	case "timestep":
		ok = setFloat(&c.Timestep, value)
	case "bytes_per_freq":
		ok = setInt(&c.BytesPerFreq, value)
	case "sk_step":
		ok = setInt(&c.SKStep, value)
	case "vdif_rfi_header_size":
		ok = setInt(&c.VDIFHeaderSize, value)
	case "chime_rfi_header_size":
		ok = setInt(&c.ChimeHeaderSize, value)
	case "waterfallx":
		ok = setInt(&c.WaterfallX, value)
	case "waterfally":
		ok = setInt(&c.WaterfallY, value)
	case "receive":
		ok = setString(&c.Receive, value)
	case "send":
		ok = setString(&c.Send, value)
	case "num_receive_threads":
		ok = setInt(&c.NumReceiveThreads, value)
	case "rcv_buf":
		ok = setInt(&c.RcvBuf, value)
	case "query_compression":
		ok = setBool(&c.QueryCompression, value)
	case "log_interval":
		ok = setDuration(&c.LogInterval, value)
	default:
		return false
	}
	if !ok {
		monitoring.Logf("config: ignoring %s: unexpected value %v (%T)", key, value, value)
		return false
	}
	monitoring.Logf("config: %s = %v", key, value)
	return true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func setInt(dst *int, v interface{}) bool {
	switch n := v.(type) {
	case int:
		*dst = n
	case int32:
		*dst = int(n)
	case int64:
		*dst = int(n)
	case uint64:
		*dst = int(n)
	case float64:
		// JSON numbers arrive as float64; accept them when integral.
		if n != math.Trunc(n) {
			return false
		}
		*dst = int(n)
	default:
		return false
	}
	return true
}

// setFloat only takes floating-point values: an integer where a float is
// expected is a type mismatch and is ignored like any other.
func setFloat(dst *float64, v interface{}) bool {
	switch n := v.(type) {
	case float64:
		*dst = n
	case float32:
		*dst = float64(n)
	default:
		return false
	}
	return true
}

func setBool(dst *bool, v interface{}) bool {
	b, ok := v.(bool)
	if ok {
		*dst = b
	}
	return ok
}

func setString(dst *string, v interface{}) bool {
	s, ok := v.(string)
	if ok {
		*dst = s
	}
	return ok
}

func setDuration(dst *time.Duration, v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return false
	}
	*dst = d
	return true
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	mode, err := protocol.ParseMode(c.Mode)
	if err != nil {
		return err
	}

	for _, f := range []struct {
		name string
		v    int
	}{
		{"frames_per_packet", c.FramesPerPacket},
		{"num_freq", c.NumFreq},
		{"num_local_freq", c.NumLocalFreq},
		{"samples_per_data_set", c.SamplesPerDataSet},
		{"num_elements", c.NumElements},
		{"sk_step", c.SKStep},
		{"waterfallX", c.WaterfallX},
		{"waterfallY", c.WaterfallY},
		{"num_receive_threads", c.NumReceiveThreads},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.v)
		}
	}
	if c.Timestep <= 0 {
		return fmt.Errorf("timestep must be positive, got %g", c.Timestep)
	}
	if c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", c.RcvBuf)
	}
	if c.LogInterval < 0 {
		return fmt.Errorf("log_interval must be non-negative, got %s", c.LogInterval)
	}

	switch mode {
	case protocol.Pathfinder:
		if c.BytesPerFreq != protocol.PathfinderRecordSize {
			return fmt.Errorf("bytes_per_freq must be %d in pathfinder mode, got %d",
				protocol.PathfinderRecordSize, c.BytesPerFreq)
		}
	case protocol.Chime:
		if c.ChimeHeaderSize < protocol.ChimeHeaderLayoutSize {
			return fmt.Errorf("chime_rfi_header_size must be at least %d, got %d",
				protocol.ChimeHeaderLayoutSize, c.ChimeHeaderSize)
		}
	case protocol.VDIF:
		if c.VDIFHeaderSize < protocol.VDIFHeaderLayoutSize {
			return fmt.Errorf("vdif_rfi_header_size must be at least %d, got %d",
				protocol.VDIFHeaderLayoutSize, c.VDIFHeaderSize)
		}
	}

	if _, err := c.ReceiveAddrs(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Send); err != nil {
		return fmt.Errorf("invalid send address %q: %w", c.Send, err)
	}
	return nil
}

// ProtocolMode parses Mode.
func (c *Config) ProtocolMode() (protocol.Mode, error) {
	return protocol.ParseMode(c.Mode)
}

// Params returns the instrument parameters the decoders validate against.
func (c *Config) Params() protocol.Params {
	return protocol.Params{
		FramesPerPacket:   c.FramesPerPacket,
		NumFreq:           c.NumFreq,
		NumLocalFreq:      c.NumLocalFreq,
		SamplesPerDataSet: c.SamplesPerDataSet,
		NumElements:       c.NumElements,
		SKStep:            c.SKStep,
		BytesPerFreq:      c.BytesPerFreq,
		Timestep:          c.Timestep,
		ChimeHeaderSize:   c.ChimeHeaderSize,
		VDIFHeaderSize:    c.VDIFHeaderSize,
	}
}

// ReceiveAddrs returns one UDP bind address per receive thread:
// host:port, host:port+1, ...
func (c *Config) ReceiveAddrs() ([]string, error) {
	host, portStr, err := net.SplitHostPort(c.Receive)
	if err != nil {
		return nil, fmt.Errorf("invalid receive address %q: %w", c.Receive, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("invalid receive port %q", portStr)
	}
	if last := port + c.NumReceiveThreads - 1; last > 65535 {
		return nil, fmt.Errorf("receive ports %d-%d exceed 65535", port, last)
	}

	addrs := make([]string, c.NumReceiveThreads)
	for i := range addrs {
		addrs[i] = net.JoinHostPort(host, strconv.Itoa(port+i))
	}
	return addrs, nil
}
