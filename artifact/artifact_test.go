package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"testing"

	"printfarm/logger"
	"printfarm/storage"
)

const testSliceInfo = `<?xml version="1.0" encoding="utf-8"?>
<config>
  <plate>
    <metadata key="index" value="1"/>
    <metadata key="prediction" value="5400"/>
    <metadata key="weight" value="42.7"/>
    <metadata key="support_used" value="true"/>
    <filament id="1" type="PLA" color="FF0000FF" used_m="3.50" used_g="10.20"/>
    <filament id="2" type="PETG" color="#00FF00" used_m="8.10" used_g="32.50"/>
  </plate>
</config>`

const testProjectSettings = `{
  "printer_model": "Bambu Lab A1",
  "compatible_printers": ["Bambu Lab A1", "Bambu Lab A1 mini"],
  "curr_bed_type": "Textured PEI Plate",
  "enable_support": "1",
  "printable_area": ["0x0", "256x0", "256x256", "0x256"]
}`

// fakePNG is not a real image; the parser treats thumbnails as opaque.
var fakePNG = []byte("\x89PNG\r\n\x1a\nnot-really-a-png")

func make3MF(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func standard3MF(t *testing.T) []byte {
	t.Helper()
	return make3MF(t, map[string][]byte{
		"3D/3dmodel.model":                 []byte("<model/>"),
		"Metadata/slice_info.config":       []byte(testSliceInfo),
		"Metadata/project_settings.config": []byte(testProjectSettings),
		"Metadata/plate_1.png":             fakePNG,
	})
}

func testManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	log := logger.New(logger.ERROR, "", 16)
	log.SetConsoleOutput(false)
	return NewManager(store, t.TempDir(), log), store
}

func TestParse3MFMetadata(t *testing.T) {
	t.Parallel()
	meta, err := parse3MF(standard3MF(t))
	if err != nil {
		t.Fatal(err)
	}

	if meta.EstimatedSeconds != 5400 {
		t.Errorf("EstimatedSeconds = %d, want 5400", meta.EstimatedSeconds)
	}
	if meta.TotalGrams != 42.7 {
		t.Errorf("TotalGrams = %v, want 42.7", meta.TotalGrams)
	}
	if !meta.SupportsUsed {
		t.Error("SupportsUsed = false")
	}
	if len(meta.Filaments) != 2 {
		t.Fatalf("Filaments = %+v, want 2 entries", meta.Filaments)
	}
	first := meta.Filaments[0]
	if first.Slot != 1 || first.Material != "PLA" || first.ColorHex != "#FF0000" {
		t.Errorf("filament 1 = %+v", first)
	}
	if first.UsedGrams != 10.2 || first.UsedMeters != 3.5 {
		t.Errorf("filament 1 usage = %v g / %v m", first.UsedGrams, first.UsedMeters)
	}
	if meta.Filaments[1].ColorHex != "#00FF00" {
		t.Errorf("filament 2 color = %q", meta.Filaments[1].ColorHex)
	}

	if len(meta.PrinterModels) != 2 || meta.PrinterModels[0] != "Bambu Lab A1" {
		t.Errorf("PrinterModels = %v", meta.PrinterModels)
	}
	if meta.BedType != "Textured PEI Plate" {
		t.Errorf("BedType = %q", meta.BedType)
	}
	if meta.BedWidthMM != 256 || meta.BedDepthMM != 256 {
		t.Errorf("bed = %dx%d, want 256x256", meta.BedWidthMM, meta.BedDepthMM)
	}
	if !bytes.Equal(meta.Thumbnail, fakePNG) {
		t.Error("thumbnail not extracted")
	}
}

func TestParse3MFWithoutMetadataFiles(t *testing.T) {
	t.Parallel()
	data := make3MF(t, map[string][]byte{"3D/3dmodel.model": []byte("<model/>")})
	meta, err := parse3MF(data)
	if err != nil {
		t.Fatal(err)
	}
	if meta.EstimatedSeconds != 0 || len(meta.Filaments) != 0 || meta.Thumbnail != nil {
		t.Errorf("bare archive yielded metadata: %+v", meta)
	}
}

func TestIngestStoresAndDedupes(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	data := standard3MF(t)

	a, err := m.Ingest("bench y.3mf", data)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != "3mf" || a.FileName != "bench_y.3mf" {
		t.Errorf("artifact = kind %q name %q", a.Kind, a.FileName)
	}
	if a.EstimatedSeconds != 5400 || len(a.Filaments) != 2 {
		t.Errorf("metadata not carried onto artifact: %+v", a)
	}
	if a.StoredPath == "" || a.ThumbnailPath == "" {
		t.Fatalf("paths = %q / %q", a.StoredPath, a.ThumbnailPath)
	}
	for _, path := range []string{a.StoredPath, a.ThumbnailPath} {
		if !fileExists(path) {
			t.Errorf("%s not written", path)
		}
	}

	// Same bytes under a different name return the existing artifact.
	dup, err := m.Ingest("renamed.3mf", data)
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID != a.ID {
		t.Errorf("dedup returned artifact %d, want %d", dup.ID, a.ID)
	}
}

func TestIngestGcodeIsOpaque(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	a, err := m.Ingest("calicat.gcode", []byte("G28\nG1 X10 Y10\n"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != "gcode" || a.EstimatedSeconds != 0 {
		t.Errorf("artifact = %+v", a)
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	if _, err := m.Ingest("model.stl", []byte("solid cube")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestIngestSizeLimits(t *testing.T) {
	m, _ := testManager(t)

	oldUpload := maxUploadBytes
	maxUploadBytes = 64
	t.Cleanup(func() { maxUploadBytes = oldUpload })
	big := bytes.Repeat([]byte("G1\n"), 64)
	if _, err := m.Ingest("big.gcode", big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	maxUploadBytes = oldUpload

	// A tiny archive that declares a huge uncompressed payload is
	// rejected before anything is inflated.
	oldInflate := maxUncompressedBytes
	maxUncompressedBytes = 16
	t.Cleanup(func() { maxUncompressedBytes = oldInflate })
	data := make3MF(t, map[string][]byte{
		"Metadata/slice_info.config": []byte(testSliceInfo),
	})
	if _, err := m.Ingest("bomb.3mf", data); err == nil {
		t.Error("oversized declared payload accepted")
	}
}

func TestDeleteRemovesRowAndFiles(t *testing.T) {
	t.Parallel()
	m, store := testManager(t)
	a, err := m.Ingest("cube.gcode", []byte("G28\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetArtifact(a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}
	if fileExists(a.StoredPath) {
		t.Error("stored file still present after delete")
	}
}

func TestSanitizeFileName(t *testing.T) {
	t.Parallel()
	ok := map[string]string{
		"cube.gcode":       "cube.gcode",
		"bench y (2).3mf":  "bench_y__2_.3mf",
		"Ünïcode-name.3mf": "_n_code-name.3mf",
	}
	for in, want := range ok {
		got, err := SanitizeFileName(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q -> %q, want %q", in, got, want)
		}
	}

	bad := []string{
		"",
		"../../etc/passwd",
		"a/b.gcode",
		`a\b.gcode`,
		"..",
		"...",
	}
	for _, in := range bad {
		if _, err := SanitizeFileName(in); !errors.Is(err, ErrBadName) {
			t.Errorf("%q: err = %v, want ErrBadName", in, err)
		}
	}
}

func TestReadEntryHonestHeader(t *testing.T) {
	t.Parallel()
	data := make3MF(t, map[string][]byte{"Metadata/plate_1.png": fakePNG})
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	body, err := readEntry(zr.File[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, fakePNG) {
		t.Errorf("body = %q", body)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
