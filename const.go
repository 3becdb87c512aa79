package hapble

import (
	"time"

	"github.com/google/uuid"
)

// This file includes constants from the HAP-BLE profile.

// HAP service types.
var (
	ServiceTypeAccessoryInformation = HAPUUID(0x3E)
	ServiceTypeProtocolInformation  = HAPUUID(0xA2)
	ServiceTypePairing              = HAPUUID(0x55)
	ServiceTypeLightbulb            = HAPUUID(0x43)
)

// HAP characteristic types.
var (
	CharacteristicTypeBrightness       = HAPUUID(0x08)
	CharacteristicTypeIdentify         = HAPUUID(0x14)
	CharacteristicTypeManufacturer     = HAPUUID(0x20)
	CharacteristicTypeModel            = HAPUUID(0x21)
	CharacteristicTypeName             = HAPUUID(0x23)
	CharacteristicTypeOn               = HAPUUID(0x25)
	CharacteristicTypeSerialNumber     = HAPUUID(0x30)
	CharacteristicTypeVersion          = HAPUUID(0x37)
	CharacteristicTypePairSetup        = HAPUUID(0x4C)
	CharacteristicTypePairVerify       = HAPUUID(0x4E)
	CharacteristicTypePairingFeatures  = HAPUUID(0x4F)
	CharacteristicTypePairingPairings  = HAPUUID(0x50)
	CharacteristicTypeFirmwareRevision = HAPUUID(0x52)
	CharacteristicTypeServiceSignature = HAPUUID(0xA5)
)

// GATT attributes carrying instance IDs.
var (
	characteristicInstanceIDUUID = uuid.MustParse("DC46F0FE-81D2-4616-B5D9-6ABDD796939A")
	serviceInstanceIDUUID        = uuid.MustParse("E604E95D-A759-4817-87D3-AA005083A0D1")
)

// Timing of the BLE transport.
const (
	fastAdvertisingDuration   = 30 * time.Second
	procedureTimeout          = 10 * time.Second
	fallbackProcedureTimeout  = 10 * time.Second
	initialLinkTimeout        = 10 * time.Second
	securedLinkTimeout        = 30 * time.Second
	pairingProcedureTimeout   = 10 * time.Second
	safeToDisconnectTimeout   = 200 * time.Millisecond
	fastAdvertisingInterval   = 20 * time.Millisecond
	minNotificationDuration   = 3 * time.Second
	minRegularAdvertisingTime = 160 * time.Millisecond
	maxRegularAdvertisingTime = 2500 * time.Millisecond
	stopRetryTimeout          = 1 * time.Second
)

// maxQueuedBroadcastEvents bounds the broadcast queue.
const maxQueuedBroadcastEvents = 3

// tagSize is the size of a full ChaCha20-Poly1305 authentication tag.
const tagSize = 16

// bleProtocolVersion is reported by HAP-Info responses.
const bleProtocolVersion = "2.2.0"

// Client characteristic configuration value enabling indications.
const cccIndicate = 0x0002
