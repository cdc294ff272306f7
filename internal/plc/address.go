package plc

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressKind is the wire shape a symbolic address resolves to.
type AddressKind int

const (
	KindBit AddressKind = iota
	KindWord
	KindDWord
)

// Address is a parsed "DB<n>.DBX<byte>.<bit>" / "DB<n>.DBW<byte>" /
// "DB<n>.DBD<byte>" symbolic PLC address, the family spec.md names as
// the wire contract (e.g. "DB66.DBX0.0", "DB66.DBW2").
type Address struct {
	DBNumber int
	Kind     AddressKind
	Byte     int
	Bit      int // only meaningful for KindBit
}

// Size is the number of bytes the address occupies in the data block.
func (a Address) Size() int {
	switch a.Kind {
	case KindWord:
		return 2
	case KindDWord:
		return 4
	default:
		return 1
	}
}

// ParseAddress decodes a symbolic address string. It accepts the three
// shapes above, case-insensitively on the "DB"/"DBX"/"DBW"/"DBD" markers.
func ParseAddress(addr string) (Address, error) {
	parts := strings.Split(addr, ".")
	if len(parts) < 2 {
		return Address{}, fmt.Errorf("plc: malformed address %q", addr)
	}
	dbPart := strings.ToUpper(parts[0])
	if !strings.HasPrefix(dbPart, "DB") {
		return Address{}, fmt.Errorf("plc: address %q does not start with DB<n>", addr)
	}
	dbNum, err := strconv.Atoi(dbPart[2:])
	if err != nil {
		return Address{}, fmt.Errorf("plc: address %q has invalid db number: %w", addr, err)
	}

	fieldPart := strings.ToUpper(parts[1])
	switch {
	case strings.HasPrefix(fieldPart, "DBX"):
		if len(parts) != 3 {
			return Address{}, fmt.Errorf("plc: bit address %q requires a bit offset", addr)
		}
		byteOff, err := strconv.Atoi(fieldPart[3:])
		if err != nil {
			return Address{}, fmt.Errorf("plc: address %q has invalid byte offset: %w", addr, err)
		}
		bit, err := strconv.Atoi(parts[2])
		if err != nil {
			return Address{}, fmt.Errorf("plc: address %q has invalid bit offset: %w", addr, err)
		}
		return Address{DBNumber: dbNum, Kind: KindBit, Byte: byteOff, Bit: bit}, nil
	case strings.HasPrefix(fieldPart, "DBW"):
		byteOff, err := strconv.Atoi(fieldPart[3:])
		if err != nil {
			return Address{}, fmt.Errorf("plc: address %q has invalid byte offset: %w", addr, err)
		}
		return Address{DBNumber: dbNum, Kind: KindWord, Byte: byteOff}, nil
	case strings.HasPrefix(fieldPart, "DBD"):
		byteOff, err := strconv.Atoi(fieldPart[3:])
		if err != nil {
			return Address{}, fmt.Errorf("plc: address %q has invalid byte offset: %w", addr, err)
		}
		return Address{DBNumber: dbNum, Kind: KindDWord, Byte: byteOff}, nil
	default:
		return Address{}, fmt.Errorf("plc: address %q has unrecognized field kind", addr)
	}
}

// InSafetyScope reports whether addr's data block belongs to the
// configured safety scope prefix (e.g. "DB66"), the default rule
// reset_system uses to refuse to run against a data block it wasn't
// told is safe to zero.
func InSafetyScope(addr, prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(addr), strings.ToUpper(prefix))
}
