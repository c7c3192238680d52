package config

// DeviceConfig seeds the device identity settings store. Fields left empty
// stay unset in the store and read back as "Unknown", matching the behavior
// of a factory-fresh device.
type DeviceConfig struct {
    SerialNum   string `mapstructure:"serial_num"`
    DeviceName  string `mapstructure:"device_name"`
    DeviceOwner string `mapstructure:"device_owner"`
}
