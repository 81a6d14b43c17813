package storage

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const deviceKind = "device"

// Device is what the daemon remembers about a light between runs.
type Device struct {
	MAC         string            `json:"mac"`
	Host        string            `json:"host,omitempty"`
	Label       string            `json:"label,omitempty"`
	VendorID    uint32            `json:"vendor_id,omitempty"`
	ProductID   uint32            `json:"product_id,omitempty"`
	ProductName string            `json:"product_name,omitempty"`
	Features    []string          `json:"features,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
}

// Product resolves the remembered product, if any.
func (d Device) Product() (*protocol.Product, bool) {
	if d.ProductID == 0 {
		return nil, false
	}
	p, ok := protocol.LookupProduct(d.VendorID, d.ProductID)
	if !ok {
		return nil, false
	}
	return &p, true
}

// Inventory persists discovery results and property maps per MAC.
type Inventory struct {
	devices *Collection[Device]
	now     func() time.Time
}

// NewInventory creates an inventory backed by store.
func NewInventory(store *Store) *Inventory {
	return &Inventory{devices: NewCollection[Device](store, deviceKind), now: time.Now}
}

// RecordDiscovery merges a discovery result into the device record.
func (inv *Inventory) RecordDiscovery(r lifx.DiscoveryResult) error {
	_, err := inv.devices.Merge(r.MAC.Hex(), func(d *Device) {
		inv.touch(d, r.MAC.Hex())
		d.Host = r.Host
		d.Label = r.Label
		d.VendorID = r.VendorID
		d.ProductID = r.ProductID
		d.ProductName = r.ProductName
		d.Features = slices.Clone(r.Features)
	})
	return err
}

// RecordProperties stores the property map reported by a running engine.
func (inv *Inventory) RecordProperties(mac protocol.MACAddress, props lifx.Properties) error {
	_, err := inv.devices.Merge(mac.Hex(), func(d *Device) {
		inv.touch(d, mac.Hex())
		d.Properties = maps.Clone(props)
		if v, err := strconv.ParseUint(props[lifx.PropertyVendorID], 10, 32); err == nil {
			d.VendorID = uint32(v)
		}
		if v, err := strconv.ParseUint(props[lifx.PropertyProductID], 10, 32); err == nil {
			d.ProductID = uint32(v)
		}
		if name := props[lifx.PropertyProductName]; name != "" {
			d.ProductName = name
		}
	})
	return err
}

func (inv *Inventory) touch(d *Device, mac string) {
	now := inv.now().UTC()
	if d.FirstSeen.IsZero() {
		d.FirstSeen = now
	}
	d.MAC = mac
	d.LastSeen = now
}

// Get returns the record for mac. The second result is false when unknown.
func (inv *Inventory) Get(mac protocol.MACAddress) (Device, bool, error) {
	d, ok, err := inv.devices.Load(mac.Hex())
	if err != nil {
		return Device{}, false, fmt.Errorf("inventory get %s: %w", mac, err)
	}
	return d, ok, nil
}

// All returns every remembered device ordered by MAC.
func (inv *Inventory) All() ([]Device, error) {
	out, err := inv.devices.Values()
	if err != nil {
		return nil, fmt.Errorf("inventory list: %w", err)
	}
	return out, nil
}

// Forget removes a device.
func (inv *Inventory) Forget(mac protocol.MACAddress) error {
	return inv.devices.Remove(mac.Hex())
}

// Clear removes every device.
func (inv *Inventory) Clear() error {
	return inv.devices.Truncate()
}
