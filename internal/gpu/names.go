// Package gpu inventories the GPUs nvidia-smi reports and resolves their
// marketing names from the PCI ID database.
package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// PCIIdentity holds normalized (lowercase, 4 hex digit) PCI ids.
type PCIIdentity struct {
	VendorID    string
	DeviceID    string
	SubVendorID string
	SubDeviceID string
}

// Resolver maps PCI ids to a display name, or "" when unknown.
type Resolver interface {
	ResolveName(id PCIIdentity) string
}

// PCIDatabase resolves names from the system pci.ids file. The database is
// loaded on first use.
type PCIDatabase struct {
	once sync.Once
	db   *pcidb.PCIDB
	err  error
}

// NewPCIDatabase returns a lazily loaded resolver.
func NewPCIDatabase() *PCIDatabase { return &PCIDatabase{} }

// Err reports why the database could not be loaded, if it was attempted.
func (p *PCIDatabase) Err() error { return p.err }

// ResolveName prefers the subsystem (board vendor) name over the chip name.
func (p *PCIDatabase) ResolveName(id PCIIdentity) string {
	if id.VendorID == "" || id.DeviceID == "" {
		return ""
	}

	p.once.Do(func() {
		p.db, p.err = pcidb.New()
	})
	if p.err != nil || p.db == nil {
		return ""
	}

	product, ok := p.db.Products[id.VendorID+id.DeviceID]
	if !ok || product == nil {
		return ""
	}

	if id.SubVendorID != "" && id.SubDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, id.SubVendorID) && strings.EqualFold(subsystem.ID, id.SubDeviceID) {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

// shouldUseResolvedName reports whether nvidia-smi's own name is unusable.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "[n/a]", "n/a", "unknown", "unknown error":
		return true
	}
	return strings.HasPrefix(lower, "pci device") ||
		strings.HasPrefix(lower, "nvidia device") ||
		strings.HasPrefix(lower, "0x")
}
