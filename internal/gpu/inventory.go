package gpu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// InventoryFields is the nvidia-smi query used for static device info. name
// is last so commas inside it survive the row split.
var InventoryFields = []string{
	"index",
	"pci.bus_id",
	"pci.device_id",
	"pci.sub_device_id",
	"name",
}

// Info describes a single GPU reported by nvidia-smi.
type Info struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	SMIName  string `json:"smi_name"`
	PCIBusID string `json:"pci_bus_id"`
	PCIID    string `json:"pci_id"`
}

// Querier is satisfied by *smi.Client.
type Querier interface {
	Query(ctx context.Context, fields ...string) ([][]string, error)
}

// Inventory lists the GPUs visible to nvidia-smi. With a non-nil resolver,
// missing or generic names are filled from PCI ids.
func Inventory(ctx context.Context, source Querier, resolver Resolver, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rows, err := source.Query(ctx, InventoryFields...)
	if err != nil {
		return nil, fmt.Errorf("query gpu inventory: %w", err)
	}

	infos := make([]Info, 0, len(rows))
	for _, row := range rows {
		index, err := strconv.Atoi(row[0])
		if err != nil {
			logger.Warn("skipping inventory row with invalid index", "value", row[0], "err", err)
			continue
		}

		id := PCIIdentity{}
		id.VendorID, id.DeviceID = splitSMIPCIID(row[2])
		id.SubVendorID, id.SubDeviceID = splitSMIPCIID(row[3])
		smiName := strings.TrimSpace(strings.Join(row[4:], ","))

		info := Info{
			Index:    index,
			Name:     smiName,
			SMIName:  smiName,
			PCIBusID: row[1],
		}
		if id.VendorID != "" && id.DeviceID != "" {
			info.PCIID = id.VendorID + ":" + id.DeviceID
		}

		if resolver != nil {
			if resolved := resolver.ResolveName(id); shouldUseResolvedName(info.Name, resolved) {
				info.Name = resolved
			}
		}
		if info.Name == "[N/A]" {
			info.Name = ""
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// Labels maps device index to display name, skipping unnamed devices.
func Labels(infos []Info) map[int]string {
	labels := make(map[int]string, len(infos))
	for _, info := range infos {
		if info.Name != "" {
			labels[info.Index] = info.Name
		}
	}
	return labels
}

// splitSMIPCIID splits nvidia-smi's combined "0xDDDDVVVV" form into vendor
// and device ids.
func splitSMIPCIID(raw string) (vendorID string, deviceID string) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if len(value) != 8 {
		return "", ""
	}
	if _, err := strconv.ParseUint(value, 16, 32); err != nil {
		return "", ""
	}
	value = strings.ToLower(value)
	return value[4:], value[:4]
}
