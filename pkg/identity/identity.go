// Package identity exposes this node's device identity: serial number,
// device name and owner, persisted in the settings KV the way embedded
// builds keep them in NVS.
package identity

import (
    "errors"
    "strings"

    "go.uber.org/zap"

    "dapup/pkg/config"
    "dapup/pkg/memkv"
)

// Unknown is the fallback for identity fields that were never provisioned.
const Unknown = "Unknown"

const (
    keySerialNum   = "device:serial_num"
    keyDeviceName  = "device:device_name"
    keyDeviceOwner = "device:device_owner"
)

// DeviceIdentity is this node's identity snapshot. Immutable once returned;
// sourced fresh from the store for each handshake.
type DeviceIdentity struct {
    SerialNum   string
    DeviceName  string
    DeviceOwner string
}

// ErrSerialLocked is returned when attempting to overwrite a provisioned
// serial number.
var ErrSerialLocked = errors.New("identity: serial number is write-once")

// ErrNotRegistered is returned when updating the owner of a device that was
// never registered to anyone.
var ErrNotRegistered = errors.New("identity: device is not registered to a user")

// Store reads and writes device identity in the settings KV.
type Store struct {
    kv *memkv.Store
}

// NewStore wraps kv and seeds any identity fields present in the config that
// are not already stored. Existing values win over seeds.
func NewStore(kv *memkv.Store, seed config.DeviceConfig) *Store {
    s := &Store{kv: kv}
    s.seed(keySerialNum, seed.SerialNum)
    s.seed(keyDeviceName, seed.DeviceName)
    s.seed(keyDeviceOwner, seed.DeviceOwner)
    return s
}

func (s *Store) seed(key, val string) {
    val = strings.TrimSpace(val)
    if val == "" || s.kv.Exists(key) {
        return
    }
    s.kv.Set(key, []byte(val), 0)
}

// Identity returns the current identity. Unset fields read as Unknown; the
// engine must tolerate a completely unprovisioned device.
func (s *Store) Identity() DeviceIdentity {
    return DeviceIdentity{
        SerialNum:   s.field(keySerialNum),
        DeviceName:  s.field(keyDeviceName),
        DeviceOwner: s.field(keyDeviceOwner),
    }
}

func (s *Store) field(key string) string {
    b, ok := s.kv.Get(key)
    if !ok || len(b) == 0 {
        zap.L().Debug("identity field not provisioned", zap.String("key", key))
        return Unknown
    }
    return string(b)
}

// SetSerialNum provisions the serial number once. A provisioned serial is
// permanent for the life of the store.
func (s *Store) SetSerialNum(serial string) error {
    serial = strings.TrimSpace(serial)
    if serial == "" {
        return errors.New("identity: empty serial number")
    }
    if s.kv.Exists(keySerialNum) {
        zap.L().Error("refusing to rewrite serial number")
        return ErrSerialLocked
    }
    s.kv.Set(keySerialNum, []byte(serial), 0)
    zap.L().Info("serial number saved", zap.String("serial_num", serial))
    return nil
}

// SetDeviceName updates the display name, creating it if absent.
func (s *Store) SetDeviceName(name string) error {
    name = strings.TrimSpace(name)
    if name == "" {
        return errors.New("identity: empty device name")
    }
    if old, ok := s.kv.Get(keyDeviceName); ok {
        zap.L().Info("updating device name", zap.String("old", string(old)), zap.String("new", name))
    } else {
        zap.L().Warn("no existing device name, creating")
    }
    s.kv.Set(keyDeviceName, []byte(name), 0)
    return nil
}

// SetDeviceOwner reassigns the owner. The device must already be registered
// to someone.
func (s *Store) SetDeviceOwner(owner string) error {
    owner = strings.TrimSpace(owner)
    if owner == "" {
        return errors.New("identity: empty device owner")
    }
    old, ok := s.kv.Get(keyDeviceOwner)
    if !ok {
        zap.L().Error("device has not been registered to a user")
        return ErrNotRegistered
    }
    zap.L().Info("updating device owner", zap.String("old", string(old)), zap.String("new", owner))
    s.kv.Set(keyDeviceOwner, []byte(owner), 0)
    return nil
}
