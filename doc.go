// Package hapble implements the accessory side of the HomeKit Accessory
// Protocol over Bluetooth Low Energy.
//
// It builds the advertisements, keeps the global state number (GSN)
// that lets controllers detect changes they missed, delivers events as
// encrypted broadcasts, indications or GSN bumps, and runs the HAP-BLE
// procedures behind the GATT database of one accessory.
//
//
// STATUS
//
// The pairing handshakes are not part of this package. A pairing layer
// installs the secure channel of a connection with Session.Accept once
// Pair-Verify completed. IP and Thread transports are not supported.
//
//
// SETUP
//
// The radio is abstracted by the Peripheral interface. The platform
// reports connections and GATT requests by calling the Handle methods
// of the AccessoryServer:
//
//     HandleConnectedCentral
//     HandleDisconnectedCentral
//     HandleReadRequest
//     HandleWriteRequest
//     HandleReadyToUpdateSubscribers
//
// The server is not safe for concurrent use. Platform callbacks, timer
// callbacks and calls into the server must run on one goroutine; with
// timer.Loop, hand them to Loop.Post and run the loop with Loop.Run.
//
// State that must survive restarts (device ID, GSN, broadcast key and
// characteristic broadcast configuration) lives in a kvstore.Store:
// in memory, in Redis, or in a CBOR file.
//
//
// USAGE
//
//     acc := hapble.NewAccessory(hapble.CategoryLightbulb, "Lamp", "L1")
//     svc := acc.AddService(0x30, hapble.ServiceTypeLightbulb, hapble.ServicePrimary)
//     on := svc.AddCharacteristic(0x33, hapble.CharacteristicTypeOn, hapble.FormatBool,
//         hapble.PropReadable|hapble.PropWritable|hapble.PropEventNotification)
//     on.HandleReadFunc(func(req *hapble.Request) (hapble.Value, error) {
//         return hapble.Bool(lampOn), nil
//     })
//
//     loop := timer.NewLoop(16)
//     s := hapble.NewAccessoryServer(
//         hapble.ServeAccessory(acc),
//         hapble.WithPeripheral(p),
//         hapble.Timers(loop),
//     )
//     loop.Post(func() {
//         if err := s.Start(); err != nil {
//             log.Fatal(err)
//         }
//     })
//     loop.Run(ctx)
//
// When the application changes a value, it calls RaiseEvent on the loop:
//
//     loop.Post(func() { s.RaiseEvent(on, nil) })
//
//
// REFERENCES
//
// HomeKit Accessory Protocol Specification, chapter "HAP over Bluetooth LE".
//
// Bluetooth Core Specification, Vol 3, Part C (GAP) and Part G (GATT).
package hapble
