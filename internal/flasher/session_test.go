package flasher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openglow/glowflash/internal/assets"
	"github.com/openglow/glowflash/internal/device"
	"github.com/openglow/glowflash/internal/partition"
)

// fakeTransport records calls and simulates per-step failures.
type fakeTransport struct {
	chip string

	handshakeErr error
	eraseErr     error
	writeErr     error
	resetErr     error
	closeErr     error

	eraseCalls int
	resetCalls int
	closeCalls int
	writes     []partition.Image
	writeOpts  WriteOptions
	// order records the sequence of calls for ordering assertions.
	order []string
}

func (f *fakeTransport) Handshake(ctx context.Context) (string, error) {
	f.order = append(f.order, "handshake")
	if f.handshakeErr != nil {
		return "", f.handshakeErr
	}
	if f.chip == "" {
		return "ESP32-D0WDQ6", nil
	}
	return f.chip, nil
}

func (f *fakeTransport) EraseAll(ctx context.Context) error {
	f.order = append(f.order, "erase")
	f.eraseCalls++
	return f.eraseErr
}

func (f *fakeTransport) WriteImages(ctx context.Context, images []partition.Image, opts WriteOptions, progress ProgressFunc) error {
	f.order = append(f.order, "write")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, images...)
	f.writeOpts = opts
	if progress != nil {
		for i, img := range images {
			progress(i, 0, len(img.Data))
			progress(i, len(img.Data)/2, len(img.Data))
			progress(i, len(img.Data), len(img.Data))
		}
	}
	return nil
}

func (f *fakeTransport) HardReset(ctx context.Context) error {
	f.order = append(f.order, "reset")
	f.resetCalls++
	return f.resetErr
}

func (f *fakeTransport) Close() error {
	f.closeCalls++
	return f.closeErr
}

// fakeLoader serves in-memory assets or a canned failure.
type fakeLoader struct {
	err error
}

func (f *fakeLoader) Load(ctx context.Context) (*assets.Set, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &assets.Set{
		Bootloader: make([]byte, 1024),
		Table:      make([]byte, 256),
		OTAData:    make([]byte, 32),
		App:        make([]byte, 8192),
	}, nil
}

func dialerFor(tr Transport) Dialer {
	return DialerFunc(func(ctx context.Context) (Transport, error) { return tr, nil })
}

func mustVariant(t *testing.T, id uint8) *device.Variant {
	t.Helper()
	v, ok := device.Lookup(id)
	if !ok {
		t.Fatalf("variant %d missing", id)
	}
	return &v
}

func connectedSession(t *testing.T, tr *fakeTransport, loader assets.Loader, opts ...Option) *Session {
	t.Helper()
	s := NewSession(dialerFor(tr), loader, opts...)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("state after connect = %v, want connected", s.State())
	}
	return s
}

func TestConnectRecordsChipID(t *testing.T) {
	tr := &fakeTransport{chip: "ESP32-S3"}
	s := connectedSession(t, tr, &fakeLoader{})
	if s.ChipID() != "ESP32-S3" {
		t.Errorf("chip id = %q", s.ChipID())
	}
}

func TestConnectTogglesToDisconnect(t *testing.T) {
	tr := &fakeTransport{}
	s := connectedSession(t, tr, &fakeLoader{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("toggle connect: %v", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle after toggle", s.State())
	}
	if tr.closeCalls != 1 {
		t.Errorf("close calls = %d, want 1", tr.closeCalls)
	}
}

func TestConnectPromptCancelledIsSilent(t *testing.T) {
	d := DialerFunc(func(ctx context.Context) (Transport, error) {
		return nil, ErrPromptCancelled
	})
	s := NewSession(d, &fakeLoader{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.Failure() != "" {
		t.Errorf("failure message set on cancellation: %q", s.Failure())
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	tr := &fakeTransport{handshakeErr: errors.New("no sync reply")}
	s := NewSession(dialerFor(tr), &fakeLoader{})

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake error")
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if tr.closeCalls != 1 {
		t.Errorf("transport not closed after failed handshake")
	}
}

func TestFlashRejectedWhenIdle(t *testing.T) {
	s := NewSession(dialerFor(&fakeTransport{}), &fakeLoader{})
	err := s.Flash(context.Background(), FlashRequest{Variant: mustVariant(t, 0)})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestFlashRejectedWithoutVariant(t *testing.T) {
	tr := &fakeTransport{}
	s := connectedSession(t, tr, &fakeLoader{})
	err := s.Flash(context.Background(), FlashRequest{})
	if !errors.Is(err, ErrNoVariant) {
		t.Errorf("err = %v, want ErrNoVariant", err)
	}
	if s.State() != Connected {
		t.Errorf("state = %v, want connected (rejection is a no-op)", s.State())
	}
}

func TestTargetedFlash(t *testing.T) {
	tr := &fakeTransport{}
	s := connectedSession(t, tr, &fakeLoader{})

	req := FlashRequest{Variant: mustVariant(t, 0), Serial: 0, FullErase: false}
	if err := s.Flash(context.Background(), req); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	if s.State() != Succeeded {
		t.Fatalf("state = %v, want succeeded", s.State())
	}
	if !s.CredentialsPreserved() {
		t.Error("targeted update must report credentials preserved")
	}
	if tr.eraseCalls != 0 {
		t.Errorf("erase calls = %d, want 0", tr.eraseCalls)
	}
	if tr.writeOpts.EraseAll {
		t.Error("write requested whole-chip erase in targeted mode")
	}

	if len(tr.writes) != partition.Count {
		t.Fatalf("wrote %d images, want %d", len(tr.writes), partition.Count)
	}
	wantAddrs := partition.Addrs()
	for i, img := range tr.writes {
		if img.Addr != wantAddrs[i] {
			t.Errorf("write %d at 0x%x, want 0x%x", i, img.Addr, wantAddrs[i])
		}
	}

	// The synthesized storage image carries the identity.
	storage := tr.writes[2]
	if storage.Name != partition.SlotStorage {
		t.Fatalf("third write is %q, want storage", storage.Name)
	}
	serial, variant, ok := partition.DecodeStorageImage(storage.Data)
	if !ok || serial != 0 || variant != 0 {
		t.Errorf("storage identity = (%d, %d, %v), want (0, 0, true)", serial, variant, ok)
	}
}

func TestFullEraseOrderingAndNonFatalEraseFailure(t *testing.T) {
	tr := &fakeTransport{eraseErr: errors.New("erase timeout")}
	s := connectedSession(t, tr, &fakeLoader{})

	req := FlashRequest{Variant: mustVariant(t, 2), Serial: 77, FullErase: true}
	if err := s.Flash(context.Background(), req); err != nil {
		t.Fatalf("Flash: %v (erase failure must not be fatal)", err)
	}

	if s.State() != Succeeded {
		t.Fatalf("state = %v, want succeeded", s.State())
	}
	if s.CredentialsPreserved() {
		t.Error("full erase must not report credentials preserved")
	}
	if tr.eraseCalls != 1 {
		t.Fatalf("erase calls = %d, want 1", tr.eraseCalls)
	}

	// Erase strictly before any write, and the write itself still runs
	// without a whole-chip erase flag.
	eraseIdx, writeIdx := -1, -1
	for i, op := range tr.order {
		switch op {
		case "erase":
			eraseIdx = i
		case "write":
			if writeIdx == -1 {
				writeIdx = i
			}
		}
	}
	if eraseIdx == -1 || writeIdx == -1 || eraseIdx > writeIdx {
		t.Errorf("call order %v: erase must precede writes", tr.order)
	}
	if tr.writeOpts.EraseAll {
		t.Error("explicit erase must not also set EraseAll on the write")
	}

	warned := false
	for _, ev := range s.Events() {
		if ev.Level == LevelWarn && strings.Contains(ev.Message, "erase") {
			warned = true
		}
	}
	if !warned {
		t.Error("erase failure not logged as a warning")
	}
}

func TestAssetFailureAbortsBeforeWrites(t *testing.T) {
	tr := &fakeTransport{}
	loadErr := errors.New("load glow_app.bin: fetch https://firmware.openglow.io/latest/glow_app.bin: unexpected status 404")
	s := connectedSession(t, tr, &fakeLoader{err: loadErr})

	err := s.Flash(context.Background(), FlashRequest{Variant: mustVariant(t, 1)})
	if err == nil {
		t.Fatal("expected asset failure")
	}
	if s.State() != Failed {
		t.Errorf("state = %v, want failed", s.State())
	}
	if len(tr.writes) != 0 {
		t.Errorf("%d writes issued despite asset failure", len(tr.writes))
	}
	for _, op := range tr.order {
		if op == "write" || op == "erase" {
			t.Errorf("device touched (%s) after asset failure", op)
		}
	}
	if !strings.Contains(s.Failure(), "glow_app.bin") {
		t.Errorf("failure %q does not reference the failed path", s.Failure())
	}
	if tr.closeCalls == 0 {
		t.Error("no best-effort disconnect after failure")
	}
}

func TestWriteFailureIsFatalAndCleansUp(t *testing.T) {
	tr := &fakeTransport{writeErr: errors.New("flash data: status 0x0107"), closeErr: errors.New("port gone")}
	s := connectedSession(t, tr, &fakeLoader{})

	err := s.Flash(context.Background(), FlashRequest{Variant: mustVariant(t, 0)})
	if err == nil {
		t.Fatal("expected write failure")
	}
	if s.State() != Failed {
		t.Errorf("state = %v, want failed", s.State())
	}
	if s.Failure() == "" {
		t.Error("failure message not captured")
	}
	if tr.resetCalls != 0 {
		t.Error("reset attempted after fatal write failure")
	}
	// closeErr is swallowed: the error returned is the write error.
	if !strings.Contains(err.Error(), "0x0107") {
		t.Errorf("returned error %v, want the write error", err)
	}
}

func TestResetFailureIsInformational(t *testing.T) {
	tr := &fakeTransport{resetErr: errors.New("RTS not wired")}
	s := connectedSession(t, tr, &fakeLoader{})

	if err := s.Flash(context.Background(), FlashRequest{Variant: mustVariant(t, 0)}); err != nil {
		t.Fatalf("Flash: %v (reset failure must not be fatal)", err)
	}
	if s.State() != Succeeded {
		t.Errorf("state = %v, want succeeded", s.State())
	}
	for _, ev := range s.Events() {
		if ev.Level == LevelError {
			t.Errorf("reset failure produced an error event: %s", ev.Message)
		}
	}
}

func TestProgressMonotoneAndTerminal(t *testing.T) {
	for _, fullErase := range []bool{true, false} {
		var values []int
		tr := &fakeTransport{}
		s := connectedSession(t, tr, &fakeLoader{}, WithProgressFunc(func(p int) {
			values = append(values, p)
		}))

		req := FlashRequest{Variant: mustVariant(t, 0), FullErase: fullErase}
		if err := s.Flash(context.Background(), req); err != nil {
			t.Fatalf("fullErase=%v: %v", fullErase, err)
		}

		if len(values) == 0 {
			t.Fatalf("fullErase=%v: no progress reported", fullErase)
		}
		for i := 1; i < len(values); i++ {
			if values[i] < values[i-1] {
				t.Fatalf("fullErase=%v: progress regressed %d -> %d", fullErase, values[i-1], values[i])
			}
		}
		for _, v := range values[:len(values)-1] {
			if v > MaxBeforeReset {
				t.Errorf("fullErase=%v: %d reported before terminal step", fullErase, v)
			}
		}
		if values[len(values)-1] != Done {
			t.Errorf("fullErase=%v: final value %d, want %d", fullErase, values[len(values)-1], Done)
		}
	}
}

func TestResetClearsTerminalState(t *testing.T) {
	tr := &fakeTransport{writeErr: errors.New("boom")}
	s := connectedSession(t, tr, &fakeLoader{})

	s.Flash(context.Background(), FlashRequest{Variant: mustVariant(t, 0)})
	if s.State() != Failed {
		t.Fatalf("state = %v, want failed", s.State())
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.Failure() != "" {
		t.Errorf("failure survives reset: %q", s.Failure())
	}

	// Reset is only valid from a terminal state.
	if err := s.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("Reset from idle = %v, want ErrBusy", err)
	}
}
