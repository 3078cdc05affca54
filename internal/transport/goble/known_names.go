package goble

// Short-form UUIDs of commonly seen SIG services and characteristics, plus
// the Nordic UART service popular on hobbyist firmware. Anything else renders
// with an empty name; the console shows the UUID regardless.

var knownServices = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"181a": "Environmental Sensing",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var knownCharacteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX",
}

// KnownServiceName returns the SIG name for a normalized service UUID, or ""
func KnownServiceName(uuid string) string {
	return knownServices[uuid]
}

// KnownCharacteristicName returns the SIG name for a normalized
// characteristic UUID, or ""
func KnownCharacteristicName(uuid string) string {
	return knownCharacteristics[uuid]
}
