// Package bluez implements bt.Adapter over the BlueZ D-Bus API.
//
// Streams are RFCOMM sockets obtained through org.bluez.Profile1: Accept
// registers a server profile on the fixed channel, Dial registers a client
// profile and calls Device1.ConnectProfile. Pairing requires a BlueZ Agent
// registered by the system (bluetoothctl or a desktop agent).
package bluez
