// Package flasher sequences a complete connect → write → reset cycle against
// a lamp in bootloader mode. The serial protocol itself lives behind the
// Transport interface; this package owns ordering, failure policy, and
// progress reporting.
package flasher

import (
	"context"
	"errors"

	"github.com/openglow/glowflash/internal/partition"
)

// ProgressFunc reports byte-level write progress for one partition.
// part indexes the image slice passed to WriteImages.
type ProgressFunc func(part, written, total int)

// WriteOptions controls a batched write.
type WriteOptions struct {
	// EraseAll requests a whole-chip erase as part of the write itself.
	// The session never sets this: a full erase is issued as a separate
	// explicit EraseAll call, and the write then only erases the sectors
	// it touches. Collapsing the two loses the targeted-update guarantee.
	EraseAll bool
}

// Transport is the narrow contract with the serial flashing layer. Every
// method may fail; the session decides which failures are fatal.
type Transport interface {
	// Handshake syncs with the bootloader and returns a chip identifier.
	Handshake(ctx context.Context) (string, error)
	// EraseAll wipes the entire flash chip.
	EraseAll(ctx context.Context) error
	// WriteImages writes each image at its target address, reporting
	// progress per partition as bytes go out.
	WriteImages(ctx context.Context, images []partition.Image, opts WriteOptions, progress ProgressFunc) error
	// HardReset reboots the chip out of bootloader mode.
	HardReset(ctx context.Context) error
	// Close releases the underlying port.
	Close() error
}

// Dialer resolves the user's device choice into an open transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// ErrPromptCancelled is returned by a Dialer when the user dismisses the
// device picker. It is not an error condition: the session returns to Idle
// without surfacing anything.
var ErrPromptCancelled = errors.New("device selection cancelled")

// ErrNotConnected is returned when an operation requires an open transport.
var ErrNotConnected = errors.New("not connected")

// ErrNoVariant is returned when a flash is requested without a selected
// variant.
var ErrNoVariant = errors.New("no device variant selected")

// ErrBusy is returned when an operation is requested in a state that does
// not permit it.
var ErrBusy = errors.New("operation not permitted in current state")
