package espserial

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/openglow/glowflash/internal/config"
	"github.com/openglow/glowflash/internal/flasher"
	"github.com/openglow/glowflash/internal/partition"
)

// ROM loader command opcodes.
const (
	opFlashBegin   = 0x02
	opFlashData    = 0x03
	opFlashEnd     = 0x04
	opSync         = 0x08
	opReadReg      = 0x0A
	opSPISetParams = 0x0B
	opSPIAttach    = 0x0D
	opEraseFlash   = 0xD0
)

const (
	// flashBlockSize is the payload per FLASH_DATA command.
	flashBlockSize = 1024
	// checksumSeed is the xor seed for data checksums.
	checksumSeed = 0xEF
	// statusBytes trail every response body from the loader.
	statusBytes = 4
	// chipMagicReg identifies the chip family.
	chipMagicReg = 0x40001000

	syncRetries    = 7
	commandTimeout = 3 * time.Second
	eraseTimeout   = 120 * time.Second
)

var chipNames = map[uint32]string{
	0x00F01D83: "ESP32-D0WDQ6",
	0x000007C6: "ESP32-S2",
	0x00000009: "ESP32-S3",
	0x6921506F: "ESP32-C3",
	0x1B31506F: "ESP32-C3",
	0xFFF0C101: "ESP8266",
}

// Client drives a chip's serial bootloader. It implements flasher.Transport.
type Client struct {
	port serial.Port
	sr   *slipReader
}

var _ flasher.Transport = (*Client)(nil)

// NewClient wraps an open serial port. The port should already be at the
// sync baud rate.
func NewClient(port serial.Port) *Client {
	return &Client{port: port, sr: newSLIPReader(port)}
}

// Handshake puts the chip into bootloader mode via the DTR/RTS dance, syncs
// with the ROM loader, attaches the SPI flash, and returns the chip name.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	if err := c.enterBootloader(); err != nil {
		return "", fmt.Errorf("enter bootloader: %w", err)
	}

	if err := c.sync(ctx); err != nil {
		return "", fmt.Errorf("sync: %w", err)
	}

	magic, err := c.readReg(ctx, chipMagicReg)
	if err != nil {
		return "", fmt.Errorf("read chip id: %w", err)
	}
	chip, ok := chipNames[magic]
	if !ok {
		chip = fmt.Sprintf("unknown chip (magic 0x%08x)", magic)
	}
	config.Debugf("chip magic 0x%08x -> %s", magic, chip)

	if err := c.spiAttach(ctx); err != nil {
		return "", fmt.Errorf("attach SPI flash: %w", err)
	}
	if err := c.spiSetParams(ctx, partition.FlashSize); err != nil {
		return "", fmt.Errorf("set flash params: %w", err)
	}

	return chip, nil
}

// EraseAll wipes the entire chip. Only available once the loader is synced;
// the chip answers when the erase completes, which can take a while.
func (c *Client) EraseAll(ctx context.Context) error {
	c.port.SetReadTimeout(eraseTimeout)
	defer c.port.SetReadTimeout(commandTimeout)

	_, _, err := c.command(ctx, opEraseFlash, nil, 0)
	if err != nil {
		return fmt.Errorf("erase flash: %w", err)
	}
	return nil
}

// WriteImages writes each image at its address in order, erasing only the
// sectors each write touches. Progress is reported per block.
func (c *Client) WriteImages(ctx context.Context, images []partition.Image, opts flasher.WriteOptions, progress flasher.ProgressFunc) error {
	if opts.EraseAll {
		if err := c.EraseAll(ctx); err != nil {
			return err
		}
	}

	for i, img := range images {
		if err := c.writeImage(ctx, i, img, progress); err != nil {
			return fmt.Errorf("write %s @0x%x: %w", img.Name, img.Addr, err)
		}
	}
	return nil
}

func (c *Client) writeImage(ctx context.Context, part int, img partition.Image, progress flasher.ProgressFunc) error {
	total := len(img.Data)
	blocks := (total + flashBlockSize - 1) / flashBlockSize

	var begin [16]byte
	binary.LittleEndian.PutUint32(begin[0:], uint32(total))
	binary.LittleEndian.PutUint32(begin[4:], uint32(blocks))
	binary.LittleEndian.PutUint32(begin[8:], flashBlockSize)
	binary.LittleEndian.PutUint32(begin[12:], img.Addr)
	if _, _, err := c.command(ctx, opFlashBegin, begin[:], 0); err != nil {
		return fmt.Errorf("flash begin: %w", err)
	}

	if progress != nil {
		progress(part, 0, total)
	}

	for seq := 0; seq < blocks; seq++ {
		start := seq * flashBlockSize
		end := start + flashBlockSize
		if end > total {
			end = total
		}
		block := img.Data[start:end]

		// Short final blocks are padded to the block size with the
		// erased-flash fill.
		payload := make([]byte, 16+flashBlockSize)
		binary.LittleEndian.PutUint32(payload[0:], flashBlockSize)
		binary.LittleEndian.PutUint32(payload[4:], uint32(seq))
		copy(payload[16:], block)
		for i := 16 + len(block); i < len(payload); i++ {
			payload[i] = 0xFF
		}

		if _, _, err := c.command(ctx, opFlashData, payload, checksum(payload[16:])); err != nil {
			return fmt.Errorf("flash data block %d/%d: %w", seq+1, blocks, err)
		}

		if progress != nil {
			progress(part, end, total)
		}
	}

	// Stay in the loader; the session decides when to reset.
	var fin [4]byte
	binary.LittleEndian.PutUint32(fin[:], 1)
	if _, _, err := c.command(ctx, opFlashEnd, fin[:], 0); err != nil {
		return fmt.Errorf("flash end: %w", err)
	}
	return nil
}

// HardReset pulses RTS (wired to EN) to reboot into the freshly written
// firmware. Boards without the reset circuit need a manual power cycle.
func (c *Client) HardReset(ctx context.Context) error {
	if err := c.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return c.port.SetRTS(false)
}

// Close releases the serial port.
func (c *Client) Close() error {
	return c.port.Close()
}

// enterBootloader holds IO0 low while releasing EN, the classic auto-reset
// sequence wired to DTR/RTS on the lamp's USB bridge.
func (c *Client) enterBootloader() error {
	if err := c.port.SetDTR(false); err != nil {
		return err
	}
	if err := c.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.port.SetDTR(true); err != nil {
		return err
	}
	if err := c.port.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return c.port.SetDTR(false)
}

func (c *Client) sync(ctx context.Context) error {
	payload := make([]byte, 36)
	copy(payload, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}

	c.port.SetReadTimeout(500 * time.Millisecond)
	defer c.port.SetReadTimeout(commandTimeout)

	var lastErr error
	for attempt := 0; attempt < syncRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, lastErr = c.command(ctx, opSync, payload, 0); lastErr == nil {
			// The ROM answers a burst of sync responses; drain them.
			for {
				if _, err := c.sr.ReadFrame(); err != nil {
					break
				}
			}
			return nil
		}
		config.Debugf("sync attempt %d failed: %v", attempt+1, lastErr)
	}
	return lastErr
}

func (c *Client) readReg(ctx context.Context, addr uint32) (uint32, error) {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], addr)
	value, _, err := c.command(ctx, opReadReg, data[:], 0)
	return value, err
}

func (c *Client) spiAttach(ctx context.Context) error {
	// Default SPI pins, no legacy flag.
	var data [8]byte
	_, _, err := c.command(ctx, opSPIAttach, data[:], 0)
	return err
}

func (c *Client) spiSetParams(ctx context.Context, flashSize uint32) error {
	var data [24]byte
	binary.LittleEndian.PutUint32(data[0:], 0)           // id
	binary.LittleEndian.PutUint32(data[4:], flashSize)   // total size
	binary.LittleEndian.PutUint32(data[8:], 64*1024)     // block size
	binary.LittleEndian.PutUint32(data[12:], 4096)       // sector size
	binary.LittleEndian.PutUint32(data[16:], 256)        // page size
	binary.LittleEndian.PutUint32(data[20:], 0x0000FFFF) // status mask
	_, _, err := c.command(ctx, opSPISetParams, data[:], 0)
	return err
}

// command sends one request packet and reads the matching response.
// Returns the response value word and body (status bytes stripped).
func (c *Client) command(ctx context.Context, op byte, data []byte, csum uint32) (uint32, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	packet := make([]byte, 8+len(data))
	packet[0] = 0x00 // request
	packet[1] = op
	binary.LittleEndian.PutUint16(packet[2:], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:], csum)
	copy(packet[8:], data)

	if _, err := c.port.Write(slipEncode(packet)); err != nil {
		return 0, nil, fmt.Errorf("write command 0x%02x: %w", op, err)
	}

	// Responses to earlier commands or boot noise may precede ours.
	for i := 0; i < 16; i++ {
		frame, err := c.sr.ReadFrame()
		if err != nil {
			return 0, nil, fmt.Errorf("command 0x%02x: %w", op, err)
		}
		value, body, matched, err := parseResponse(frame, op)
		if !matched {
			continue
		}
		return value, body, err
	}
	return 0, nil, fmt.Errorf("command 0x%02x: no matching response", op)
}

// parseResponse validates a response frame for the given opcode.
func parseResponse(frame []byte, op byte) (value uint32, body []byte, matched bool, err error) {
	if len(frame) < 8+statusBytes || frame[0] != 0x01 {
		return 0, nil, false, nil
	}
	if frame[1] != op {
		return 0, nil, false, nil
	}

	value = binary.LittleEndian.Uint32(frame[4:8])
	body = frame[8:]

	status := body[len(body)-statusBytes]
	code := body[len(body)-statusBytes+1]
	body = body[:len(body)-statusBytes]
	if status != 0 {
		return value, body, true, &StatusError{Op: op, Code: code}
	}
	return value, body, true, nil
}

// StatusError is a failure reported by the loader itself.
type StatusError struct {
	Op   byte
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loader rejected command 0x%02x: status 0x%02x", e.Op, e.Code)
}

// checksum computes the xor checksum the loader expects over data payloads.
func checksum(data []byte) uint32 {
	sum := uint32(checksumSeed)
	for _, b := range data {
		sum ^= uint32(b)
	}
	return sum
}
