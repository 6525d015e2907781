package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"printfarm/storage"
)

// threeMFMeta is everything the parser extracts from a 3mf archive.
type threeMFMeta struct {
	EstimatedSeconds int
	TotalGrams       float64
	Filaments        []storage.ArtifactFilament
	PrinterModels    []string
	BedType          string
	BedWidthMM       int
	BedDepthMM       int
	SupportsUsed     bool
	Thumbnail        []byte
}

// sliceInfo mirrors the Metadata/slice_info.config layout: one <plate>
// per build plate with key/value metadata and per-filament usage.
type sliceInfo struct {
	XMLName xml.Name `xml:"config"`
	Plates  []struct {
		Metadata []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata"`
		Filaments []struct {
			ID    string `xml:"id,attr"`
			Type  string `xml:"type,attr"`
			Color string `xml:"color,attr"`
			UsedM string `xml:"used_m,attr"`
			UsedG string `xml:"used_g,attr"`
		} `xml:"filament"`
	} `xml:"plate"`
}

// projectSettings carries the subset of the sliced project's JSON
// settings the farm cares about.
type projectSettings struct {
	PrinterModel       string   `json:"printer_model"`
	PrinterSettingsID  string   `json:"printer_settings_id"`
	CompatiblePrinters []string `json:"compatible_printers"`
	CurrBedType        string   `json:"curr_bed_type"`
	EnableSupport      string   `json:"enable_support"`
	PrintableArea      []string `json:"printable_area"`
}

// parse3MF opens the archive and pulls slicer metadata, filament usage
// and the plate thumbnail. The total uncompressed size is checked
// before any entry is read.
func parse3MF(data []byte) (*threeMFMeta, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a zip archive: %w", err)
	}

	var declared uint64
	for _, f := range zr.File {
		declared += f.UncompressedSize64
	}
	if declared > maxUncompressedBytes {
		return nil, fmt.Errorf("archive inflates to %d bytes, limit %d", declared, maxUncompressedBytes)
	}

	meta := &threeMFMeta{}
	for _, f := range zr.File {
		switch {
		case f.Name == "Metadata/slice_info.config":
			body, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			if err := parseSliceInfo(body, meta); err != nil {
				return nil, err
			}
		case f.Name == "Metadata/project_settings.config":
			body, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			parseProjectSettings(body, meta)
		case meta.Thumbnail == nil && strings.HasPrefix(f.Name, "Metadata/plate_") && strings.HasSuffix(f.Name, ".png"):
			body, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			meta.Thumbnail = body
		}
	}
	return meta, nil
}

// readEntry reads one archive member, bounded by the declared size plus
// one byte so a lying header is detected instead of trusted.
func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	limit := int64(f.UncompressedSize64) + 1
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if int64(len(body)) == limit {
		return nil, fmt.Errorf("%s is larger than its header declares", f.Name)
	}
	return body, nil
}

func parseSliceInfo(body []byte, meta *threeMFMeta) error {
	var info sliceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("corrupt slice_info.config: %w", err)
	}
	for _, plate := range info.Plates {
		for _, kv := range plate.Metadata {
			switch kv.Key {
			case "prediction":
				if v, err := strconv.Atoi(kv.Value); err == nil {
					meta.EstimatedSeconds += v
				}
			case "weight":
				if v, err := strconv.ParseFloat(kv.Value, 64); err == nil {
					meta.TotalGrams += v
				}
			case "support_used":
				meta.SupportsUsed = meta.SupportsUsed || kv.Value == "true" || kv.Value == "1"
			}
		}
		for _, fil := range plate.Filaments {
			slot, _ := strconv.Atoi(fil.ID)
			grams, _ := strconv.ParseFloat(fil.UsedG, 64)
			meters, _ := strconv.ParseFloat(fil.UsedM, 64)
			meta.Filaments = append(meta.Filaments, storage.ArtifactFilament{
				Slot:       slot,
				Material:   fil.Type,
				ColorHex:   normalizeColor(fil.Color),
				UsedGrams:  grams,
				UsedMeters: meters,
			})
		}
	}
	return nil
}

// parseProjectSettings is best-effort: a project file the slicer wrote
// differently still yields a usable artifact.
func parseProjectSettings(body []byte, meta *threeMFMeta) {
	var ps projectSettings
	if err := json.Unmarshal(body, &ps); err != nil {
		return
	}
	if len(ps.CompatiblePrinters) > 0 {
		meta.PrinterModels = ps.CompatiblePrinters
	} else if ps.PrinterModel != "" {
		meta.PrinterModels = []string{ps.PrinterModel}
	} else if ps.PrinterSettingsID != "" {
		meta.PrinterModels = []string{ps.PrinterSettingsID}
	}
	meta.BedType = ps.CurrBedType
	if ps.EnableSupport == "1" || ps.EnableSupport == "true" {
		meta.SupportsUsed = true
	}
	meta.BedWidthMM, meta.BedDepthMM = bedDims(ps.PrintableArea)
}

// bedDims derives the bed envelope from the printable-area corner list
// ("0x0", "256x0", ...).
func bedDims(corners []string) (width, depth int) {
	for _, corner := range corners {
		xs, ys, ok := strings.Cut(corner, "x")
		if !ok {
			continue
		}
		if x, err := strconv.ParseFloat(xs, 64); err == nil && int(x) > width {
			width = int(x)
		}
		if y, err := strconv.ParseFloat(ys, 64); err == nil && int(y) > depth {
			depth = int(y)
		}
	}
	return width, depth
}

// normalizeColor upper-cases and #-prefixes a slicer color value.
func normalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return ""
	}
	if len(c) == 8 && !strings.HasPrefix(c, "#") {
		c = c[:6] // strip alpha
	}
	if len(c) == 9 && strings.HasPrefix(c, "#") {
		c = c[:7]
	}
	if !strings.HasPrefix(c, "#") {
		c = "#" + c
	}
	return strings.ToUpper(c)
}
