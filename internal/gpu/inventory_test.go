package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/skobkin/gpumon/internal/smi"
)

type stubQuerier struct {
	rows [][]string
	err  error
}

func (s stubQuerier) Query(context.Context, ...string) ([][]string, error) {
	return s.rows, s.err
}

type mapResolver map[PCIIdentity]string

func (m mapResolver) ResolveName(id PCIIdentity) string { return m[id] }

func TestInventory(t *testing.T) {
	t.Parallel()

	out := []byte("0, 00000000:17:00.0, 0x20B010DE, 0x145F10DE, NVIDIA A100-SXM4-40GB\n" +
		"1, 00000000:65:00.0, 0x1EB810DE, 0x12A210DE, [N/A]\n" +
		"x, bad, row, here, name\n")
	rows := smi.SplitRows(out, len(InventoryFields))

	resolver := mapResolver{
		{VendorID: "10de", DeviceID: "1eb8", SubVendorID: "10de", SubDeviceID: "12a2"}: "Tesla T4",
		{VendorID: "10de", DeviceID: "20b0", SubVendorID: "10de", SubDeviceID: "145f"}: "GA100 [A100 SXM4 40GB]",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	infos, err := Inventory(context.Background(), stubQuerier{rows: rows}, resolver, logger)
	if err != nil {
		t.Fatalf("Inventory returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(infos))
	}

	first := infos[0]
	if first.Index != 0 || first.PCIBusID != "00000000:17:00.0" || first.PCIID != "10de:20b0" {
		t.Fatalf("unexpected first gpu %+v", first)
	}
	if first.Name != "NVIDIA A100-SXM4-40GB" {
		t.Fatalf("usable smi name must be kept, got %q", first.Name)
	}

	second := infos[1]
	if second.Name != "Tesla T4" || second.SMIName != "[N/A]" {
		t.Fatalf("expected resolved name for [N/A], got %+v", second)
	}

	labels := Labels(infos)
	if labels[0] != "NVIDIA A100-SXM4-40GB" || labels[1] != "Tesla T4" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestInventoryWithoutResolver(t *testing.T) {
	t.Parallel()

	rows := [][]string{{"3", "00000000:01:00.0", "0x1EB810DE", "0x12A210DE", "[N/A]"}}
	infos, err := Inventory(context.Background(), stubQuerier{rows: rows}, nil, nil)
	if err != nil {
		t.Fatalf("Inventory returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "" {
		t.Fatalf("unresolvable [N/A] should become empty: %+v", infos)
	}
	if len(Labels(infos)) != 0 {
		t.Fatal("unnamed devices must not get labels")
	}
}

func TestInventoryNameWithComma(t *testing.T) {
	t.Parallel()

	rows := smi.SplitRows([]byte("0, 00000000:01:00.0, 0x20B010DE, 0x145F10DE, Board, Rev 2\n"), len(InventoryFields))
	infos, err := Inventory(context.Background(), stubQuerier{rows: rows}, nil, nil)
	if err != nil {
		t.Fatalf("Inventory returned error: %v", err)
	}
	if infos[0].Name != "Board,Rev 2" {
		t.Fatalf("unexpected name %q", infos[0].Name)
	}
}

func TestInventoryQueryError(t *testing.T) {
	t.Parallel()

	_, err := Inventory(context.Background(), stubQuerier{err: errors.New("boom")}, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSplitSMIPCIID(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw    string
		vendor string
		device string
	}{
		{"0x20B010DE", "10de", "20b0"},
		{"0x1eb810de", "10de", "1eb8"},
		{"[N/A]", "", ""},
		{"0x10DE", "", ""},
		{"0xZZZZ10DE", "", ""},
	}

	for _, tc := range testCases {
		vendor, device := splitSMIPCIID(tc.raw)
		if vendor != tc.vendor || device != tc.device {
			t.Errorf("splitSMIPCIID(%q) = %q, %q; want %q, %q", tc.raw, vendor, device, tc.vendor, tc.device)
		}
	}
}

func TestShouldUseResolvedName(t *testing.T) {
	t.Parallel()

	if shouldUseResolvedName("NVIDIA H100 80GB HBM3", "GH100 [H100 SXM5 80GB]") {
		t.Error("a real smi name must win")
	}
	if !shouldUseResolvedName("[N/A]", "Tesla T4") {
		t.Error("[N/A] should be replaced")
	}
	if shouldUseResolvedName("", "") {
		t.Error("empty resolution must not be used")
	}
}

func TestPCIDatabaseResolvesKnownProduct(t *testing.T) {
	t.Parallel()

	db := NewPCIDatabase()
	name := db.ResolveName(PCIIdentity{VendorID: "10de", DeviceID: "1eb8"})
	if db.Err() != nil {
		t.Skipf("pcidb unavailable: %v", db.Err())
	}
	if name == "" {
		t.Skip("pcidb missing product 10de:1eb8")
	}

	if db.ResolveName(PCIIdentity{}) != "" {
		t.Fatal("empty identity must not resolve")
	}
}
