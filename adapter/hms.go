package adapter

import (
	"fmt"
	"strconv"
	"strings"
)

// HMS codes are structured vendor error identifiers laid out as
// device × module × class × sub-code, rendered "DDDD_MMMM_CCCC_SSSS"
// in hex. Known codes map to a human message and severity; unknown
// codes are decoded structurally from the identifier layout.

// HMSSeverity grades a hardware fault.
type HMSSeverity string

const (
	HMSFatal   HMSSeverity = "fatal"
	HMSSerious HMSSeverity = "serious"
	HMSCommon  HMSSeverity = "common"
	HMSInfo    HMSSeverity = "info"
)

// HMSCode is a decoded hardware fault.
type HMSCode struct {
	Code     string
	Message  string
	Severity HMSSeverity
}

// hmsModules names the module nibble for structural decoding.
var hmsModules = map[uint16]string{
	0x0500: "mainboard",
	0x0300: "motion controller",
	0x0700: "filament system",
	0x0C00: "chamber camera",
	0x1200: "heatbed",
	0x1201: "nozzle",
}

// hmsTable holds the known fault codes. The set mirrors faults the
// dispatcher and alert layer care about; everything else falls back to
// structural decoding.
var hmsTable = map[string]HMSCode{
	"0300_0100_0001_0002": {Message: "heatbed temperature abnormal, heating stopped", Severity: HMSFatal},
	"0300_0200_0001_0001": {Message: "nozzle temperature abnormal, heating stopped", Severity: HMSFatal},
	"0300_0D00_0001_0003": {Message: "chamber temperature too high for material", Severity: HMSSerious},
	"0300_1200_0002_0001": {Message: "front cover fell off during print", Severity: HMSSerious},
	"0500_0100_0002_0001": {Message: "sd card write failure", Severity: HMSSerious},
	"0500_0200_0001_0006": {Message: "lost connection to mqtt service", Severity: HMSCommon},
	"0500_0300_0001_0001": {Message: "print canceled by hardware button", Severity: HMSInfo},
	"0700_0100_0001_0001": {Message: "ams slot 1 filament runout", Severity: HMSSerious},
	"0700_0100_0001_0004": {Message: "ams filament tangled or jammed", Severity: HMSSerious},
	"0700_0200_0002_0002": {Message: "ams rfid read failure", Severity: HMSCommon},
	"0700_1000_0002_0001": {Message: "ams filament buffer stuck", Severity: HMSSerious},
	"0C00_0100_0001_0001": {Message: "possible spaghetti failure detected", Severity: HMSSerious},
	"0C00_0100_0002_0002": {Message: "build plate not placed correctly", Severity: HMSSerious},
	"0C00_0200_0001_0001": {Message: "foreign object detected on build plate", Severity: HMSSerious},
	"1200_1000_0002_0001": {Message: "heatbed force sensor abnormal", Severity: HMSCommon},
	"1201_2000_0002_0002": {Message: "nozzle clogged or extrusion blocked", Severity: HMSSerious},
}

// DecodeHMS resolves a structured code to a message and severity. The
// table is consulted first; unknown codes are decoded from the
// identifier layout so operators still get module and grade.
func DecodeHMS(code string) HMSCode {
	norm := strings.ToUpper(strings.TrimSpace(code))
	norm = strings.ReplaceAll(norm, "-", "_")
	if known, ok := hmsTable[norm]; ok {
		known.Code = norm
		return known
	}
	return decodeStructural(norm)
}

// decodeStructural renders a best-effort message from the code layout.
// The class field's high bit grades severity: 0001 common, 0002
// serious, 0003 fatal per the vendor convention.
func decodeStructural(code string) HMSCode {
	out := HMSCode{Code: code, Severity: HMSCommon, Message: "unknown hardware fault " + code}
	parts := strings.Split(code, "_")
	if len(parts) != 4 {
		return out
	}

	device, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return out
	}
	class, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return out
	}

	module := hmsModules[uint16(device)]
	if module == "" {
		module = fmt.Sprintf("module %s", parts[0])
	}
	switch class {
	case 0x0003:
		out.Severity = HMSFatal
	case 0x0002:
		out.Severity = HMSSerious
	default:
		out.Severity = HMSCommon
	}
	out.Message = fmt.Sprintf("%s fault (code %s)", module, code)
	return out
}

// FailReasonForHMS maps a decoded fault to the closed fail-reason set
// used on job failure.
func FailReasonForHMS(c HMSCode) string {
	msg := strings.ToLower(c.Message)
	switch {
	case strings.Contains(msg, "spaghetti"):
		return "spaghetti"
	case strings.Contains(msg, "runout"):
		return "filament_runout"
	case strings.Contains(msg, "tangle"), strings.Contains(msg, "jam"):
		return "filament_tangle"
	case strings.Contains(msg, "clog"), strings.Contains(msg, "extrusion"):
		return "clog"
	case strings.Contains(msg, "power"):
		return "power_loss"
	default:
		return "firmware_error"
	}
}
