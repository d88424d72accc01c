package partition

import "encoding/binary"

// BuildStorageImage produces the storage partition payload: serial number and
// variant id as little-endian int32 at offsets 0 and 4, everything else left
// at 0xFF (erased-flash fill). Total function; no failure modes.
func BuildStorageImage(serial, variant int32) []byte {
	buf := make([]byte, StorageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(serial))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(variant))
	return buf
}

// DecodeStorageImage reads back the identity fields from a storage payload.
// Used by `storage inspect` and by tests; returns false if the buffer is the
// wrong size.
func DecodeStorageImage(data []byte) (serial, variant int32, ok bool) {
	if len(data) != StorageSize {
		return 0, 0, false
	}
	serial = int32(binary.LittleEndian.Uint32(data[0:4]))
	variant = int32(binary.LittleEndian.Uint32(data[4:8]))
	return serial, variant, true
}
