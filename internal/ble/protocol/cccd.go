package protocol

// Client Characteristic Configuration Descriptor values, little endian as
// written to the descriptor.
var (
	EnableNotificationValue = []byte{0x01, 0x00}
	EnableIndicationValue   = []byte{0x02, 0x00}
	DisableValue            = []byte{0x00, 0x00}
)
