package core

import (
	"strconv"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
)

// ClockValidator enforces that command time never runs backwards. Both the
// timestamp and the block height are caller-supplied and must be
// non-decreasing across accepted commands.
// Not thread-safe; owned by the core.
type ClockValidator struct {
	last        event.Clock
	regressions int64
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{}
}

// Validate checks clk against the last accepted clock without advancing it.
func (cv *ClockValidator) Validate(clk event.Clock) error {
	if clk.Timestamp < cv.last.Timestamp {
		cv.regressions++
		return errs.New(errs.CodeClockRegression,
			errs.WithMetadata("timestamp", strconv.FormatInt(clk.Timestamp, 10)),
			errs.WithMetadata("last_timestamp", strconv.FormatInt(cv.last.Timestamp, 10)))
	}
	if clk.Block < cv.last.Block {
		cv.regressions++
		return errs.New(errs.CodeClockRegression,
			errs.WithMetadata("block", strconv.FormatUint(clk.Block, 10)),
			errs.WithMetadata("last_block", strconv.FormatUint(cv.last.Block, 10)))
	}
	return nil
}

// Advance records clk as the latest accepted clock.
func (cv *ClockValidator) Advance(clk event.Clock) {
	cv.last = clk
}

// Current returns the last accepted clock.
func (cv *ClockValidator) Current() event.Clock {
	return cv.last
}

// Restore sets the clock during recovery.
func (cv *ClockValidator) Restore(clk event.Clock) {
	cv.last = clk
}

func (cv *ClockValidator) Regressions() int64 {
	return cv.regressions
}
