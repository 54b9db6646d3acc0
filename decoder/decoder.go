package decoder

import "fmt"

// Apple manufacturer data constants
const (
	ManufacturerID = 0x004C
	Magic          = 0x07

	DataLengthPairing = 15
	DataLengthBattery = 25

	headerLength = 2
)

// Byte offsets inside a battery frame
const (
	offsetFlags    = 5
	offsetEarpiece = 6
	offsetCharger  = 7
)

const (
	flagRightLeft = 0x80

	chargerCaseLevel    = 0x0F
	chargerPrimaryBit   = 0x10
	chargerSecondaryBit = 0x20
	chargerCaseBit      = 0x40
)

// Kind identifies what a decoded payload turned out to be
type Kind int

const (
	KindIgnored Kind = iota
	KindPairing
	KindBattery
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindPairing:
		return "pairing"
	case KindBattery:
		return "battery"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IgnoreReason explains why a payload was not decoded
type IgnoreReason string

const (
	ReasonTooShort       IgnoreReason = "too_short"
	ReasonLengthMismatch IgnoreReason = "length_mismatch"
	ReasonBadMagic       IgnoreReason = "bad_magic"
	ReasonUnknownVariant IgnoreReason = "unknown_variant"
)

// BatteryReport is the canonical left/right/case view of a battery frame.
// Levels are raw nibbles in 0..15.
type BatteryReport struct {
	Source        string
	Left          uint8
	Right         uint8
	Case          uint8
	LeftCharging  bool
	RightCharging bool
	CaseCharging  bool
}

func (r BatteryReport) String() string {
	return fmt.Sprintf("%s L=%d%s R=%d%s C=%d%s",
		r.Source,
		r.Left, chargingMark(r.LeftCharging),
		r.Right, chargingMark(r.RightCharging),
		r.Case, chargingMark(r.CaseCharging),
	)
}

func chargingMark(charging bool) string {
	if charging {
		return "+"
	}
	return ""
}

// Outcome is the result of Decode. Report is only set for KindBattery and
// Reason only for KindIgnored.
type Outcome struct {
	Kind   Kind
	Reason IgnoreReason
	Source string
	Report BatteryReport
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindIgnored:
		return fmt.Sprintf("ignored(%s)", o.Reason)
	case KindPairing:
		return fmt.Sprintf("pairing(%s)", o.Source)
	default:
		return fmt.Sprintf("battery(%s)", o.Report)
	}
}

func ignored(reason IgnoreReason, source string) Outcome {
	return Outcome{Kind: KindIgnored, Reason: reason, Source: source}
}

// Decode validates an Apple manufacturer data payload (without the company ID)
// and decodes it. Malformed or uninteresting payloads yield KindIgnored; Decode
// never fails and keeps no state.
//
// Battery frame layout (27 bytes):
//   - Byte 0: magic 0x07
//   - Byte 1: length of the remaining bytes (25)
//   - Byte 5: flags, bit 7 set when the advertiser is the right earbud
//   - Byte 6: earpiece levels, advertiser in the low nibble
//   - Byte 7: charger, low nibble is the case level, bit 6 case charging,
//     bits 4 and 5 advertiser and peer charging
func Decode(payload []byte, source string) Outcome {
	if len(payload) < headerLength {
		return ignored(ReasonTooShort, source)
	}

	// Declared length must cover exactly the bytes after the header
	if int(payload[1])+headerLength != len(payload) {
		return ignored(ReasonLengthMismatch, source)
	}

	if payload[0] != Magic {
		return ignored(ReasonBadMagic, source)
	}

	switch payload[1] {
	case DataLengthPairing:
		return Outcome{Kind: KindPairing, Source: source}
	case DataLengthBattery:
		return Outcome{Kind: KindBattery, Source: source, Report: decodeBattery(payload, source)}
	default:
		return ignored(ReasonUnknownVariant, source)
	}
}

func decodeBattery(payload []byte, source string) BatteryReport {
	flags := payload[offsetFlags]
	earpiece := payload[offsetEarpiece]
	charger := payload[offsetCharger]

	rl := flags&flagRightLeft != 0

	left, right := earpiece>>4, earpiece
	leftBit, rightBit := byte(chargerSecondaryBit), byte(chargerPrimaryBit)
	if rl {
		left, right = right, left
		leftBit, rightBit = rightBit, leftBit
	}

	return BatteryReport{
		Source:        source,
		Left:          left & 0x0F,
		Right:         right & 0x0F,
		Case:          charger & chargerCaseLevel,
		LeftCharging:  charger&leftBit != 0,
		RightCharging: charger&rightBit != 0,
		CaseCharging:  charger&chargerCaseBit != 0,
	}
}

// LevelPercent converts a raw level nibble to a percentage. Values 0..10 are
// tenths; anything else (15 is sent for a disconnected component) is unknown.
func LevelPercent(level uint8) (int, bool) {
	if level > 10 {
		return 0, false
	}
	return int(level) * 10, true
}
