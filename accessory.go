package hapble

import (
	"fmt"

	"github.com/google/uuid"
)

// A Category identifies the kind of accessory in advertisements.
type Category uint16

// Accessory categories.
const (
	CategoryOther       Category = 1
	CategoryBridge      Category = 2
	CategoryFan         Category = 3
	CategoryLightbulb   Category = 5
	CategoryDoorLock    Category = 6
	CategoryOutlet      Category = 7
	CategorySwitch      Category = 8
	CategoryThermostat  Category = 9
	CategorySensor      Category = 10
	CategoryProgSwitch  Category = 15
	CategoryAirPurifier Category = 19
)

// An Accessory is the attribute database served over BLE.
// Calls to AddService must occur before the accessory is
// used by a server.
type Accessory struct {
	aid      uint64
	category Category
	name     string
	model    string
	services []*Service
}

// NewAccessory returns an accessory without services.
// BLE accessories are always the primary accessory, aid 1.
func NewAccessory(category Category, name, model string) *Accessory {
	return &Accessory{aid: 1, category: category, name: name, model: model}
}

// AddService adds a service to the accessory.
// AddService panics if the accessory already contains
// another service with the same instance ID.
func (a *Accessory) AddService(iid uint16, typ uuid.UUID, props ServiceProperties) *Service {
	for _, svc := range a.services {
		if svc.iid == iid {
			panic(fmt.Sprintf("accessory already contains a service with iid %d", iid))
		}
	}
	svc := &Service{accessory: a, iid: iid, typ: typ, props: props}
	a.services = append(a.services, svc)
	return svc
}

// AID returns the accessory instance ID.
func (a *Accessory) AID() uint64 { return a.aid }

// Category returns the accessory category.
func (a *Accessory) Category() Category { return a.category }

// Name returns the accessory name.
func (a *Accessory) Name() string { return a.name }

// Model returns the accessory model.
func (a *Accessory) Model() string { return a.model }

// Services returns the services of the accessory.
func (a *Accessory) Services() []*Service { return a.services }

// Characteristic returns the characteristic with instance ID iid, if any.
func (a *Accessory) Characteristic(iid uint16) *Characteristic {
	for _, svc := range a.services {
		for _, c := range svc.chars {
			if c.iid == iid {
				return c
			}
		}
	}
	return nil
}
