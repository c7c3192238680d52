package identity

import (
    "errors"
    "testing"

    "dapup/pkg/config"
    "dapup/pkg/memkv"
)

func TestUnprovisionedReadsUnknown(t *testing.T) {
    s := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{})
    id := s.Identity()
    if id.SerialNum != Unknown || id.DeviceName != Unknown || id.DeviceOwner != Unknown {
        t.Fatalf("expected Unknown fallbacks, got %#v", id)
    }
}

func TestSeedFromConfig(t *testing.T) {
    s := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{
        SerialNum:  "SN-7",
        DeviceName: "clip-7",
    })
    id := s.Identity()
    if id.SerialNum != "SN-7" || id.DeviceName != "clip-7" {
        t.Fatalf("seed mismatch: %#v", id)
    }
    if id.DeviceOwner != Unknown {
        t.Fatalf("owner should fall back to Unknown, got %q", id.DeviceOwner)
    }
}

func TestSerialIsWriteOnce(t *testing.T) {
    s := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{})
    if err := s.SetSerialNum("SN-1"); err != nil {
        t.Fatalf("first provision failed: %v", err)
    }
    if err := s.SetSerialNum("SN-2"); !errors.Is(err, ErrSerialLocked) {
        t.Fatalf("expected ErrSerialLocked, got %v", err)
    }
    if got := s.Identity().SerialNum; got != "SN-1" {
        t.Fatalf("serial changed to %q", got)
    }
}

func TestOwnerRequiresRegistration(t *testing.T) {
    s := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{})
    if err := s.SetDeviceOwner("ada"); !errors.Is(err, ErrNotRegistered) {
        t.Fatalf("expected ErrNotRegistered, got %v", err)
    }

    s2 := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{DeviceOwner: "ada"})
    if err := s2.SetDeviceOwner("lin"); err != nil {
        t.Fatalf("reassign failed: %v", err)
    }
    if got := s2.Identity().DeviceOwner; got != "lin" {
        t.Fatalf("owner = %q", got)
    }
}

func TestDeviceNameCreatesAndUpdates(t *testing.T) {
    s := NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{})
    if err := s.SetDeviceName("clip-a"); err != nil {
        t.Fatalf("create failed: %v", err)
    }
    if err := s.SetDeviceName("clip-b"); err != nil {
        t.Fatalf("update failed: %v", err)
    }
    if got := s.Identity().DeviceName; got != "clip-b" {
        t.Fatalf("name = %q", got)
    }
}
