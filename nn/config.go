package nn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/voxelmed/segvol/segerr"
)

// Config describes the network architecture. A checkpoint records the config
// it was trained with; loading it into a differently-configured network is a
// ConfigMismatchError.
type Config struct {
	// InChannels is the number of input image channels (1 for CT).
	InChannels int `json:"in_channels" yaml:"in_channels"`

	// OutChannels is the number of output classes, background included.
	OutChannels int `json:"out_channels" yaml:"out_channels"`

	// Channels lists the feature width of each stage.
	Channels []int `json:"channels" yaml:"channels"`

	// NumResUnits is the number of residual units per stage.
	NumResUnits int `json:"num_res_units" yaml:"num_res_units"`
}

// DefaultConfig mirrors the training defaults: single-channel CT input,
// three classes (background, liver, tumor), two residual units per stage.
func DefaultConfig() Config {
	return Config{
		InChannels:  1,
		OutChannels: 3,
		Channels:    []int{16, 32, 64},
		NumResUnits: 2,
	}
}

// ChannelList is the stage width list as it appears on the command line or
// in a config file, e.g. "16,32,64". A non-integer token fails at parse
// time.
type ChannelList []int

func (c *ChannelList) UnmarshalText(text []byte) error {
	parts := strings.Split(strings.TrimSpace(string(text)), ",")
	widths := make([]int, 0, len(parts))
	for _, p := range parts {
		w, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid channel width %q in %q", p, string(text))
		}
		widths = append(widths, w)
	}
	*c = widths
	return nil
}

func (c ChannelList) String() string {
	parts := make([]string, len(c))
	for i, w := range c {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, ",")
}

// Validate checks the config for structural problems.
func (c Config) Validate() error {
	if c.InChannels <= 0 {
		return fmt.Errorf("in_channels must be positive, got %d", c.InChannels)
	}
	if c.OutChannels < 2 {
		return fmt.Errorf("out_channels must be at least 2, got %d", c.OutChannels)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels list must not be empty")
	}
	for i, w := range c.Channels {
		if w <= 0 {
			return fmt.Errorf("channel width at index %d must be positive, got %d", i, w)
		}
	}
	if c.NumResUnits < 0 {
		return fmt.Errorf("num_res_units must be non-negative, got %d", c.NumResUnits)
	}
	return nil
}

// Equal reports whether two configs describe the same architecture.
func (c Config) Equal(other Config) bool {
	if c.InChannels != other.InChannels ||
		c.OutChannels != other.OutChannels ||
		c.NumResUnits != other.NumResUnits ||
		len(c.Channels) != len(other.Channels) {
		return false
	}
	for i := range c.Channels {
		if c.Channels[i] != other.Channels[i] {
			return false
		}
	}
	return true
}

// CheckCompatible returns a ConfigMismatchError naming the first field on
// which the two configs disagree, or nil when they match.
func (c Config) CheckCompatible(other Config) error {
	if c.InChannels != other.InChannels {
		return &segerr.ConfigMismatchError{Field: "in_channels",
			Expected: fmt.Sprint(c.InChannels), Got: fmt.Sprint(other.InChannels)}
	}
	if c.OutChannels != other.OutChannels {
		return &segerr.ConfigMismatchError{Field: "out_channels",
			Expected: fmt.Sprint(c.OutChannels), Got: fmt.Sprint(other.OutChannels)}
	}
	if c.NumResUnits != other.NumResUnits {
		return &segerr.ConfigMismatchError{Field: "num_res_units",
			Expected: fmt.Sprint(c.NumResUnits), Got: fmt.Sprint(other.NumResUnits)}
	}
	if len(c.Channels) != len(other.Channels) {
		return &segerr.ConfigMismatchError{Field: "channels",
			Expected: fmt.Sprint(c.Channels), Got: fmt.Sprint(other.Channels)}
	}
	for i := range c.Channels {
		if c.Channels[i] != other.Channels[i] {
			return &segerr.ConfigMismatchError{Field: "channels",
				Expected: fmt.Sprint(c.Channels), Got: fmt.Sprint(other.Channels)}
		}
	}
	return nil
}
