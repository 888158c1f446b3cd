package fifoeth

import "strconv"

// Variant identifies the firmware build behind the register block. It
// determines how the fill field of the TxFill register encodes free space.
type Variant uint8

const (
	// VariantECM firmware reports transmit FIFO occupancy; space is capacity minus occupancy.
	VariantECM Variant = 1
	// VariantNCM firmware reports remaining transmit space as a signed 16-bit value.
	VariantNCM Variant = 2
)

func (v Variant) String() string {
	switch v {
	case VariantECM:
		return "ECM"
	case VariantNCM:
		return "NCM"
	}
	return "Variant(" + strconv.Itoa(int(v)) + ")"
}

// IsValid reports whether v is a known firmware variant.
func (v Variant) IsValid() bool {
	_, ok := v.decoder()
	return ok
}

// spaceDecoder turns the raw TxFill register into available transmit bytes.
type spaceDecoder func(fill uint32, capacity int) int

func (v Variant) decoder() (spaceDecoder, bool) {
	switch v {
	case VariantECM:
		return spaceECM, true
	case VariantNCM:
		return spaceNCM, true
	}
	return nil, false
}

func spaceECM(fill uint32, capacity int) int {
	return capacity - int(fill&0xffff)
}

func spaceNCM(fill uint32, _ int) int {
	return int(int16(fill & 0xffff))
}
