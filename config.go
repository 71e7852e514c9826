package rdgram

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes. In TOML it may be written as an integer or as
// a human readable string such as "1400 B" or "64 KiB".
type ByteSize int

func (s *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*s = ByteSize(n)
	return nil
}

func (s ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(s))), nil
}

// Config tunes every channel of an Engine.
type Config struct {
	// InitialMTU is the datagram size a new channel starts with. It only
	// ever shrinks afterwards.
	InitialMTU ByteSize `toml:"initial_mtu"`
	// AckInterval is how often Run sends an acknowledgment on each channel.
	AckInterval time.Duration `toml:"ack_interval"`
	// MaxPendingFrames bounds how far ahead of the delivery point inbound
	// frames are buffered. Frames further ahead are dropped.
	MaxPendingFrames int `toml:"max_pending_frames"`
	// StallTimeout is how long buffered frames may sit without any message
	// being delivered before OnTimer reports ErrStalled. Zero disables it.
	StallTimeout time.Duration `toml:"stall_timeout"`
	// TailRetransmitAfter is how long the frame at the peer's window base
	// must go unacknowledged before an empty acknowledgment resends it.
	TailRetransmitAfter time.Duration `toml:"tail_retransmit_after"`
	// MaxChannels bounds the channel table. New peers are refused while it
	// is full.
	MaxChannels int `toml:"max_channels"`
}

func DefaultConfig() Config {
	return Config{
		InitialMTU:          MaxDatagramSize,
		AckInterval:         200 * time.Millisecond,
		MaxPendingFrames:    4096,
		StallTimeout:        30 * time.Second,
		TailRetransmitAfter: 400 * time.Millisecond,
		MaxChannels:         1024,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.InitialMTU < minMTU || c.InitialMTU > MaxDatagramSize {
		return fmt.Errorf("initial_mtu %d out of range [%d, %d]", c.InitialMTU, minMTU, MaxDatagramSize)
	}
	if c.AckInterval <= 0 {
		return errors.New("ack_interval must be positive")
	}
	if c.MaxPendingFrames <= 0 {
		return errors.New("max_pending_frames must be positive")
	}
	if c.StallTimeout < 0 {
		return errors.New("stall_timeout must not be negative")
	}
	if c.TailRetransmitAfter < 0 {
		return errors.New("tail_retransmit_after must not be negative")
	}
	if c.MaxChannels <= 0 {
		return errors.New("max_channels must be positive")
	}
	return nil
}
