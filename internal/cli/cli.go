package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/openglow/glowflash/internal/assets"
	"github.com/openglow/glowflash/internal/config"
	"github.com/openglow/glowflash/internal/device"
	"github.com/openglow/glowflash/internal/espserial"
	"github.com/openglow/glowflash/internal/flasher"
	"github.com/openglow/glowflash/internal/partition"
	"github.com/openglow/glowflash/internal/tui"
	"github.com/openglow/glowflash/internal/util"
)

// CLI is the root command structure for glowflash.
type CLI struct {
	Verbose bool `short:"v" help:"Enable verbose debug output"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch the interactive installer (default)"`

	Flash    FlashCmd    `cmd:"" help:"Flash a lamp non-interactively"`
	Probe    ProbeCmd    `cmd:"" help:"Connect to a lamp and report the chip type"`
	Erase    EraseCmd    `cmd:"" help:"Erase the entire flash chip"`
	Variants VariantsCmd `cmd:"" help:"List known device variants"`
	Storage  StorageCmd  `cmd:"" help:"Storage partition tools"`
	Cache    CacheCmd    `cmd:"" help:"Asset cache maintenance"`
}

// AssetFlags selects where release binaries come from.
type AssetFlags struct {
	AssetsURL string `help:"Base URL for release assets" default:"${assets_url}"`
	AssetsDir string `help:"Load assets from a local directory instead of HTTP" type:"existingdir" optional:""`
	NoCache   bool   `help:"Bypass the on-disk asset cache"`
}

// AssetsURLDefault is exposed for kong variable interpolation.
const AssetsURLDefault = assets.DefaultBaseURL

func (f AssetFlags) loader() (assets.Loader, error) {
	if f.AssetsDir != "" {
		return &assets.DirLoader{Dir: f.AssetsDir}, nil
	}
	var cache *assets.Cache
	if !f.NoCache {
		var err error
		cache, err = assets.OpenCache()
		if err != nil {
			return nil, fmt.Errorf("failed to open asset cache: %w", err)
		}
	}
	return assets.NewHTTPLoader(f.AssetsURL, cache), nil
}

// --- TUI Command ---

type TuiCmd struct {
	AssetFlags
}

func (c *TuiCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	loader, err := c.loader()
	if err != nil {
		return err
	}
	return tui.Run(loader)
}

// --- Flash Command ---

type FlashCmd struct {
	AssetFlags
	Variant    uint8  `arg:"" help:"Device variant id (see 'glowflash variants')"`
	Serial     string `help:"Device serial number (service mode only)" default:"0"`
	FullErase  bool   `help:"Wipe the entire chip first (loses Wi-Fi credentials)"`
	Port       string `help:"Serial port (auto-detected when omitted)"`
	ServiceKey string `help:"Service-mode key, required to set a serial number"`
}

func (c *FlashCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose

	variant, ok := device.Lookup(c.Variant)
	if !ok {
		return fmt.Errorf("unknown variant %d (see 'glowflash variants')", c.Variant)
	}

	// The serial is only honored in service mode; anything unparseable
	// clamps to 0.
	var serial int32
	if device.CheckServiceKey(c.ServiceKey, config.ServiceKey()) {
		if n, err := strconv.ParseInt(c.Serial, 10, 32); err == nil {
			serial = int32(n)
		}
	} else if c.Serial != "0" && c.Serial != "" {
		fmt.Println("Serial ignored: service key missing or wrong; flashing with serial 0.")
	}

	loader, err := c.loader()
	if err != nil {
		return err
	}

	session := flasher.NewSession(
		&espserial.Dialer{Port: c.Port},
		loader,
		flasher.WithProgressFunc(func(pct int) {
			fmt.Printf("\r[%3d%%]", pct)
		}),
		flasher.WithEventSink(func(ev flasher.Event) {
			if globals.Verbose {
				fmt.Printf("\r%s\n", ev)
			}
		}),
	)

	ctx := context.Background()
	if err := session.Connect(ctx); err != nil {
		return err
	}
	if session.State() != flasher.Connected {
		return fmt.Errorf("no device connected")
	}
	fmt.Printf("Connected: %s\n", session.ChipID())

	req := flasher.FlashRequest{Variant: &variant, Serial: serial, FullErase: c.FullErase}
	if err := session.Flash(ctx, req); err != nil {
		fmt.Println()
		for _, ev := range session.Events() {
			fmt.Println("  " + ev.String())
		}
		return err
	}

	fmt.Println()
	if session.CredentialsPreserved() {
		fmt.Println("Done. Wi-Fi credentials were preserved.")
	} else {
		fmt.Println("Done. Full erase: re-provision the lamp in the app.")
	}
	fmt.Println("Unplug the lamp and power cycle it now.")
	return nil
}

// --- Probe Command ---

type ProbeCmd struct {
	Port string `help:"Serial port (auto-detected when omitted)"`
}

func (c *ProbeCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose

	session := flasher.NewSession(&espserial.Dialer{Port: c.Port}, nil)
	if err := session.Connect(context.Background()); err != nil {
		return err
	}
	defer session.Disconnect()

	if session.State() != flasher.Connected {
		return fmt.Errorf("no device connected")
	}
	fmt.Printf("Chip: %s\n", session.ChipID())
	return nil
}

// --- Erase Command ---

type EraseCmd struct {
	Port string `help:"Serial port (auto-detected when omitted)"`
	Yes  bool   `help:"Skip the confirmation prompt"`
}

func (c *EraseCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose

	if !c.Yes {
		fmt.Print("This wipes the ENTIRE chip, including Wi-Fi credentials. Type 'erase' to continue: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "erase" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	ctx := context.Background()
	tr, err := (&espserial.Dialer{Port: c.Port}).Dial(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()

	chip, err := tr.Handshake(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Connected: %s\nErasing (this can take a minute)...\n", chip)

	if err := tr.EraseAll(ctx); err != nil {
		return err
	}
	fmt.Println("Erased. The lamp is blank until the next flash.")
	return nil
}

// --- Variants Command ---

type VariantsCmd struct{}

func (c *VariantsCmd) Run(globals *CLI) error {
	for _, v := range device.All() {
		fmt.Printf("  %d  %s\n", v.ID, v.Name)
	}
	return nil
}

// --- Storage Commands ---

type StorageCmd struct {
	Build   StorageBuildCmd   `cmd:"" help:"Write a storage partition image to a file"`
	Inspect StorageInspectCmd `cmd:"" help:"Decode a storage partition image"`
}

type StorageBuildCmd struct {
	Output  string `arg:"" help:"Output file path"`
	Serial  int32  `help:"Serial number" default:"0"`
	Variant uint8  `help:"Variant id" default:"0"`
}

func (c *StorageBuildCmd) Run(globals *CLI) error {
	if _, ok := device.Lookup(c.Variant); !ok {
		return fmt.Errorf("unknown variant %d", c.Variant)
	}
	img := partition.BuildStorageImage(c.Serial, int32(c.Variant))
	if err := os.WriteFile(c.Output, img, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(img), c.Output)
	return nil
}

type StorageInspectCmd struct {
	File string `arg:"" help:"Storage image to decode" type:"existingfile"`
}

func (c *StorageInspectCmd) Run(globals *CLI) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	serial, variant, ok := partition.DecodeStorageImage(data)
	if !ok {
		return fmt.Errorf("%s is %d bytes, not a %d-byte storage image", c.File, len(data), partition.StorageSize)
	}

	fmt.Printf("Serial:  %d\n", serial)
	name := "unknown"
	if v, found := device.Lookup(uint8(variant)); found && int32(v.ID) == variant {
		name = v.Name
	}
	fmt.Printf("Variant: %d (%s)\n", variant, name)
	if util.AllEqual(data[8:], 0xFF) {
		fmt.Println("Fill:    clean (all 0xFF)")
	} else {
		fmt.Println("Fill:    unexpected data past offset 8:")
	}

	fmt.Println()
	util.HexDump(os.Stdout, data[:64])
	return nil
}

// --- Cache Commands ---

type CacheCmd struct {
	List  CacheListCmd  `cmd:"" help:"List cached release assets"`
	Clear CacheClearCmd `cmd:"" help:"Remove all cached assets"`
}

type CacheListCmd struct{}

func (c *CacheListCmd) Run(globals *CLI) error {
	cache, err := assets.OpenCache()
	if err != nil {
		return err
	}

	entries, err := cache.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}

	fmt.Printf("Cache: %s\n\n", cache.Path())
	for _, e := range entries {
		fmt.Printf("  %-24s %8s  %s\n", e.Name, humanize.Bytes(uint64(e.Size)), humanize.Time(e.Downloaded))
	}
	return nil
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(globals *CLI) error {
	cache, err := assets.OpenCache()
	if err != nil {
		return err
	}
	if err := cache.Clear(); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}
