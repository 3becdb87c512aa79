package hapble

import (
	"fmt"

	"github.com/google/uuid"
)

// ServiceProperties are the HAP service properties.
type ServiceProperties uint16

// Do not re-order the bit flags below;
// they match the HAP service properties TLV.

// Service property flags.
const (
	ServicePrimary               ServiceProperties = 1 << iota // the service is the primary service of the accessory
	ServiceHidden                                              // the service is not shown to users
	ServiceSupportsConfiguration                               // the service accepts protocol configuration requests
)

// A Service is a HAP service.
// Calls to AddCharacteristic must occur before the
// service is used by a server.
type Service struct {
	accessory *Accessory
	iid       uint16
	typ       uuid.UUID
	props     ServiceProperties
	linked    []uint16
	chars     []*Characteristic
}

// AddCharacteristic adds a characteristic to a service.
// AddCharacteristic panics if the accessory already contains
// another characteristic with the same instance ID.
func (s *Service) AddCharacteristic(iid uint16, typ uuid.UUID, format Format, props Properties) *Characteristic {
	if s.accessory != nil && s.accessory.Characteristic(iid) != nil {
		panic(fmt.Sprintf("accessory already contains a characteristic with iid %d", iid))
	}
	c := &Characteristic{
		service: s,
		iid:     iid,
		typ:     typ,
		format:  format,
		props:   props,
		unit:    UnitNone,
	}
	s.chars = append(s.chars, c)
	return c
}

// LinkServices records the instance IDs of services linked to s.
func (s *Service) LinkServices(iids ...uint16) {
	s.linked = append(s.linked, iids...)
}

// IID returns the service instance ID.
func (s *Service) IID() uint16 { return s.iid }

// Type returns the service type.
func (s *Service) Type() uuid.UUID { return s.typ }

// Properties returns the service properties.
func (s *Service) Properties() ServiceProperties { return s.props }

// Characteristics returns the service's characteristics.
func (s *Service) Characteristics() []*Characteristic { return s.chars }

// LinkedServices returns the linked service instance IDs.
func (s *Service) LinkedServices() []uint16 { return s.linked }

// Accessory returns the accessory the service belongs to.
func (s *Service) Accessory() *Accessory { return s.accessory }
