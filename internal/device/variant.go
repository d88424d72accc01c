package device

import (
	"crypto/subtle"
	"fmt"
	"sort"
)

// Variant identifies a lamp hardware model. The ID is written into the
// storage partition and read back by the firmware at boot.
type Variant struct {
	ID   uint8
	Name string
}

func (v Variant) String() string {
	return fmt.Sprintf("%s (id %d)", v.Name, v.ID)
}

var variants = map[uint8]Variant{
	0: {ID: 0, Name: "Black Original"},
	1: {ID: 1, Name: "White Original"},
	2: {ID: 2, Name: "Black Mini"},
	3: {ID: 3, Name: "White Mini"},
	4: {ID: 4, Name: "DevKit"},
}

// Lookup returns the variant with the given id.
func Lookup(id uint8) (Variant, bool) {
	v, ok := variants[id]
	return v, ok
}

// All returns every known variant, ordered by id.
func All() []Variant {
	out := make([]Variant, 0, len(variants))
	for _, v := range variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckServiceKey compares a user-supplied key against the configured one.
// Service mode only unlocks the serial-number field; it is a convenience
// gate for the assembly bench, not an access-control boundary.
func CheckServiceKey(supplied, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(configured)) == 1
}
