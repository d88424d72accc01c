package flasher

import (
	"context"
	"errors"
	"sync"

	"github.com/openglow/glowflash/internal/assets"
	"github.com/openglow/glowflash/internal/device"
	"github.com/openglow/glowflash/internal/partition"
)

// State is the session lifecycle position.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Flashing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Flashing:
		return "flashing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlashRequest describes one flash operation.
type FlashRequest struct {
	// Variant must be non-nil; its ID is written into the storage
	// partition.
	Variant *device.Variant
	// Serial is the device serial number. Callers clamp unparseable
	// input to 0; outside service mode it is always 0.
	Serial int32
	// FullErase wipes the whole chip before writing, losing any saved
	// network credentials.
	FullErase bool
}

// Session owns one transport exclusively and drives it through the
// connect → flash → reset lifecycle. Methods are safe for concurrent use,
// but operations are rejected (not queued) when the state does not permit
// them; a flash in progress cannot be cancelled.
type Session struct {
	dialer Dialer
	loader assets.Loader

	progressFn func(int)
	events     *EventLog

	mu        sync.Mutex
	state     State
	tr        Transport
	chipID    string
	failure   string
	preserved bool
	lastPct   int
}

// Option configures a Session.
type Option func(*Session)

// WithProgressFunc sets a sink for 0-100 progress values. The sink only ever
// sees non-decreasing values.
func WithProgressFunc(fn func(int)) Option {
	return func(s *Session) { s.progressFn = fn }
}

// WithEventSink forwards every appended log event, for live display.
func WithEventSink(sink func(Event)) Option {
	return func(s *Session) { s.events = NewEventLog(sink) }
}

// NewSession creates an idle session. The dialer resolves the user's port
// choice; the loader supplies the four release binaries.
func NewSession(dialer Dialer, loader assets.Loader, opts ...Option) *Session {
	s := &Session{
		dialer: dialer,
		loader: loader,
		state:  Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = NewEventLog(nil)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChipID returns the identifier recorded during the handshake.
func (s *Session) ChipID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chipID
}

// Failure returns the human-readable message of the last fatal error.
func (s *Session) Failure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// CredentialsPreserved reports whether the last successful flash was a
// targeted update, leaving the provisioning region intact.
func (s *Session) CredentialsPreserved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preserved
}

// Events returns the session log.
func (s *Session) Events() []Event {
	return s.events.Events()
}

// Connect acquires a transport and performs the bootloader handshake.
// Calling it while connected disconnects instead (toggle). If the user
// cancels the device picker, Connect returns nil and the session stays
// Idle — cancellation is not an error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return s.Disconnect()
	case Idle:
		s.state = Connecting
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return ErrBusy
	}

	tr, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setIdle()
		if errors.Is(err, ErrPromptCancelled) {
			s.events.Infof("device selection cancelled")
			return nil
		}
		s.events.Errorf("failed to open device: %v", err)
		return err
	}

	chip, err := tr.Handshake(ctx)
	if err != nil {
		tr.Close()
		s.setIdle()
		s.events.Errorf("handshake failed: %v", err)
		return err
	}

	s.mu.Lock()
	s.tr = tr
	s.chipID = chip
	s.state = Connected
	s.mu.Unlock()
	s.events.Infof("connected, chip: %s", chip)
	return nil
}

// Flash runs the full write sequence. It is only valid while Connected and
// with a selected variant. Asset and write failures are fatal; an erase
// failure is a warning and a reset failure is informational only.
func (s *Session) Flash(ctx context.Context, req FlashRequest) error {
	if req.Variant == nil {
		return ErrNoVariant
	}

	s.mu.Lock()
	if s.state != Connected {
		notConnected := s.tr == nil && s.state == Idle
		s.mu.Unlock()
		if notConnected {
			return ErrNotConnected
		}
		return ErrBusy
	}
	s.state = Flashing
	s.failure = ""
	s.lastPct = 0
	tr := s.tr
	s.mu.Unlock()

	plan := PlanFor(req.FullErase)
	s.report(0)
	s.events.Infof("flashing %s, serial %d, full erase %v", req.Variant.Name, req.Serial, req.FullErase)

	set, err := s.loader.Load(ctx)
	if err != nil {
		return s.fail(err)
	}
	s.events.Infof("release assets loaded")
	s.report(plan.AssetsDone)

	storage := partition.BuildStorageImage(req.Serial, int32(req.Variant.ID))
	images := []partition.Image{
		{Name: partition.SlotBootloader, Addr: partition.BootloaderAddr, Data: set.Bootloader},
		{Name: partition.SlotTable, Addr: partition.TableAddr, Data: set.Table},
		{Name: partition.SlotStorage, Addr: partition.StorageAddr, Data: storage},
		{Name: partition.SlotOTAData, Addr: partition.OTADataAddr, Data: set.OTAData},
		{Name: partition.SlotApp, Addr: partition.AppAddr, Data: set.App},
	}

	if req.FullErase {
		s.events.Infof("erasing entire flash")
		if err := tr.EraseAll(ctx); err != nil {
			// Non-fatal: the writes below erase the sectors they
			// touch anyway.
			s.events.Warnf("full erase failed, continuing: %v", err)
		}
	}
	s.report(plan.WriteBase)

	// EraseAll stays false here even in full-erase mode: the explicit
	// erase above wipes the chip, and the write itself must stay targeted
	// so a non-erase run leaves the provisioning region alone.
	err = tr.WriteImages(ctx, images, WriteOptions{EraseAll: false}, func(part, written, total int) {
		s.report(plan.WriteValue(part, written, total))
	})
	if err != nil {
		return s.fail(err)
	}

	if err := tr.HardReset(ctx); err != nil {
		// Many boards cannot reset over this transport; the user power
		// cycles regardless.
		s.events.Infof("reset command failed (expected on some boards): %v", err)
	}
	s.events.Infof("done - unplug and power cycle the lamp")

	s.mu.Lock()
	s.state = Succeeded
	s.preserved = !req.FullErase
	s.mu.Unlock()
	s.report(Done)
	return nil
}

// Disconnect closes the transport best-effort and returns to Idle.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.chipID = ""
	s.state = Idle
	s.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			s.events.Warnf("disconnect: %v", err)
		} else {
			s.events.Infof("disconnected")
		}
	}
	return nil
}

// Reset clears the terminal state so another attempt can start. Only valid
// from Succeeded or Failed.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.state != Succeeded && s.state != Failed {
		s.mu.Unlock()
		return ErrBusy
	}
	tr := s.tr
	s.tr = nil
	s.chipID = ""
	s.failure = ""
	s.preserved = false
	s.lastPct = 0
	s.state = Idle
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	return nil
}

// fail records a fatal flash error and performs the best-effort cleanup
// disconnect. Cleanup failures are swallowed.
func (s *Session) fail(err error) error {
	s.events.Errorf("%v", err)

	s.mu.Lock()
	s.state = Failed
	s.failure = err.Error()
	tr := s.tr
	s.tr = nil
	s.chipID = ""
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	return err
}

func (s *Session) setIdle() {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
}

// report forwards a progress value, enforcing monotonicity across the whole
// operation.
func (s *Session) report(pct int) {
	s.mu.Lock()
	if pct <= s.lastPct && pct != 0 {
		s.mu.Unlock()
		return
	}
	s.lastPct = pct
	fn := s.progressFn
	s.mu.Unlock()
	if fn != nil {
		fn(pct)
	}
}
