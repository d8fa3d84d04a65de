package canduit

import "fmt"

// RegisterClass selects which logical function a frame concerns. The codes
// are fixed by the peripheral firmware.
type RegisterClass uint8

const (
	ClassPinMode       RegisterClass = 1  // set pin mode
	ClassDigital       RegisterClass = 2  // digital I/O value
	ClassPWMTiming     RegisterClass = 3  // PWM timing, point-to-point
	ClassConfig        RegisterClass = 6  // broadcast / sample period configuration
	ClassDigitalStatus RegisterClass = 20 // broadcast digital status, all pins
	ClassPWMBroadcast  RegisterClass = 21 // broadcast PWM value
)

// String returns a short name for logs.
func (c RegisterClass) String() string {
	switch c {
	case ClassPinMode:
		return "pin-mode"
	case ClassDigital:
		return "digital"
	case ClassPWMTiming:
		return "pwm-timing"
	case ClassConfig:
		return "config"
	case ClassDigitalStatus:
		return "digital-status"
	case ClassPWMBroadcast:
		return "pwm-broadcast"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// PinMode is the configured function of a pin.
type PinMode uint8

const (
	ModeInactive   PinMode = 0
	ModeDigitalIn  PinMode = 1
	ModeDigitalOut PinMode = 2
	ModePWMIn      PinMode = 3
)

// String returns a short name for logs.
func (m PinMode) String() string {
	switch m {
	case ModeInactive:
		return "inactive"
	case ModeDigitalIn:
		return "digital-in"
	case ModeDigitalOut:
		return "digital-out"
	case ModePWMIn:
		return "pwm-in"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Pin range of the peripheral.
const (
	MinPin = 0
	MaxPin = 7
)

// Index offsets added to the pin index for point-to-point PWM timing reads
// under ClassPWMTiming. The plain pin index reads the period.
const (
	PWMHighTimeOffset = 10
	PWMLowTimeOffset  = 20
)

// Indices under ClassConfig.
const (
	ConfigBroadcastPeriod = 0
	ConfigPWMSamplePeriod = 1
)

// APIID composes the 10-bit API identifier for a register class and index:
// class<<4 | index. It is the only handle the transport understands.
func APIID(class RegisterClass, index uint8) uint16 {
	return uint16(class)<<4 | uint16(index)
}

// PWMTimingAPIID returns the API id for a point-to-point timing read of pin
// at offset. The sum runs past the 4-bit index field, so it is added to the
// class base rather than OR-ed in.
func PWMTimingAPIID(pin, offset int) uint16 {
	return uint16(ClassPWMTiming)<<4 + uint16(pin+offset)
}

// ParseAPIID splits an API identifier into its class and 4-bit index.
func ParseAPIID(id uint16) (RegisterClass, uint8) {
	return RegisterClass(id >> 4), uint8(id & 0xF)
}

// ValidatePin returns ErrPinOutOfRange unless pin is in [MinPin, MaxPin].
func ValidatePin(pin int) error {
	if pin < MinPin || pin > MaxPin {
		return fmt.Errorf("%w: %d (valid %d..%d)", ErrPinOutOfRange, pin, MinPin, MaxPin)
	}
	return nil
}

// FRC CAN addressing. A 29-bit arbitration id is
// deviceType<<24 | manufacturer<<16 | apiID<<6 | deviceNumber.
const (
	DeviceTypeMiscellaneous = 10
	ManufacturerTeamUse     = 8

	maxAPIID    = 0x3FF
	maxDeviceID = 0x3F
)

// ArbitrationID returns the extended CAN identifier addressing apiID on the
// CANduit with the given device number.
func ArbitrationID(device uint8, apiID uint16) uint32 {
	return uint32(DeviceTypeMiscellaneous)<<24 |
		uint32(ManufacturerTeamUse)<<16 |
		uint32(apiID&maxAPIID)<<6 |
		uint32(device&maxDeviceID)
}

// ParseArbitrationID splits an extended identifier into device number and
// API id. ok is false when the type or manufacturer fields do not match a
// CANduit.
func ParseArbitrationID(id uint32) (device uint8, apiID uint16, ok bool) {
	if id>>24&0x1F != DeviceTypeMiscellaneous || id>>16&0xFF != ManufacturerTeamUse {
		return 0, 0, false
	}
	return uint8(id & maxDeviceID), uint16(id>>6) & maxAPIID, true
}
