package scanner

import "github.com/mjasion/balena-home/podwatch/decoder"

// Filter matches manufacturer data byte-wise: only bytes whose mask is set
// are compared, and the payload must be exactly as long as Data.
type Filter struct {
	ManufacturerID uint16
	Data           []byte
	Mask           []byte
}

// Matches reports whether the manufacturer data of the given company passes
// the filter
func (f Filter) Matches(id uint16, data []byte) bool {
	if id != f.ManufacturerID || len(data) != len(f.Data) {
		return false
	}
	for i := range f.Data {
		if data[i]&f.Mask[i] != f.Data[i]&f.Mask[i] {
			return false
		}
	}
	return true
}

func newFrameFilter(dataLength int) Filter {
	data := make([]byte, 2+dataLength)
	data[0] = decoder.Magic
	data[1] = byte(dataLength)

	mask := make([]byte, len(data))
	mask[0] = 0xFF
	mask[1] = 0xFF

	return Filter{
		ManufacturerID: decoder.ManufacturerID,
		Data:           data,
		Mask:           mask,
	}
}

// BuildFilters returns the pairing filter followed by the battery filter.
// A radio delivers an advertisement when any of them matches.
func BuildFilters() []Filter {
	return []Filter{
		newFrameFilter(decoder.DataLengthPairing),
		newFrameFilter(decoder.DataLengthBattery),
	}
}

// MatchAny reports whether the result passes at least one filter
func MatchAny(filters []Filter, result ScanResult) bool {
	for _, f := range filters {
		if f.Matches(f.ManufacturerID, result.ManufacturerSpecificData(f.ManufacturerID)) {
			return true
		}
	}
	return false
}
