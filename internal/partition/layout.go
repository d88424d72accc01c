// Package partition describes the fixed flash layout of OpenGlow lamps and
// builds the synthesized storage partition.
//
// The chip is 4 MiB. Five regions are written by this tool; everything else
// (notably the provisioning region holding network credentials) is never
// touched by a targeted update.
package partition

// Flash layout offsets. These match the partition table compiled into the
// firmware and must not drift from it.
const (
	BootloaderAddr = 0x00000
	TableAddr      = 0x0A000
	StorageAddr    = 0x0B000
	OTADataAddr    = 0x0C000
	AppAddr        = 0x80000

	StorageSize = 4096
	FlashSize   = 4 * 1024 * 1024
)

// Image is one flashable region: a payload tagged with its target address.
type Image struct {
	Name string
	Addr uint32
	Data []byte
}

// Slot names, in write order.
const (
	SlotBootloader = "bootloader"
	SlotTable      = "partition-table"
	SlotStorage    = "storage"
	SlotOTAData    = "ota-data"
	SlotApp        = "firmware"
)

// Count is the number of regions written per flash operation.
const Count = 5

// Addrs returns the five target addresses in write order.
func Addrs() [Count]uint32 {
	return [Count]uint32{BootloaderAddr, TableAddr, StorageAddr, OTADataAddr, AppAddr}
}

// Names returns the five slot names in write order.
func Names() [Count]string {
	return [Count]string{SlotBootloader, SlotTable, SlotStorage, SlotOTAData, SlotApp}
}
