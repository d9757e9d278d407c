package xymodem

import "time"

// Config controls engine behavior. The zero value is valid: defaults fills
// in every field a caller leaves unset, mirroring the teacher's
// Config.defaults() pattern.
type Config struct {
	// Flavor is the XMODEM variant to negotiate. Ignored by YmodemEngine,
	// which derives its per-file flavor from YFlavor instead.
	Flavor Flavor

	// YFlavor is the YMODEM batch variant. Only consulted by YmodemEngine.
	YFlavor YFlavor

	// TimeoutMs is the per-block read deadline in milliseconds. 0 selects
	// the flavor default: 10000, or 100000 for Relaxed.
	TimeoutMs int

	// MaxConsecutiveErrors bounds the retry budget before a transfer aborts.
	// 0 selects the default of 10.
	MaxConsecutiveErrors int

	// Overwrite permits a YMODEM receiver to replace an existing file. When
	// false, a name collision aborts the transfer with ErrOverwriteRefused.
	Overwrite bool

	// TransferDirectory is the destination directory for a YMODEM receiver.
	TransferDirectory string

	// UploadFiles lists local paths DirectoryFileHandler offers, in order,
	// to a sending YmodemEngine. The engines do not read it themselves.
	UploadFiles []string
}

const (
	defaultTimeoutMs        = 10_000
	relaxedTimeoutMs        = 100_000
	defaultMaxConsecutiveErrors = 10
)

// defaults returns a copy of c with zero fields filled in, resolving
// TimeoutMs against the Flavor (Relaxed gets the extended deadline).
func (c Config) defaults() Config {
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if c.TimeoutMs <= 0 {
		if c.Flavor == Relaxed {
			c.TimeoutMs = relaxedTimeoutMs
		} else {
			c.TimeoutMs = defaultTimeoutMs
		}
	}
	return c
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
