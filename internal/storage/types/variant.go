package types

import "fmt"

// Variant selects the observation layout of a deployment.
// It is fixed by configuration and never varies per row.
type Variant uint8

const (
	VariantUnknown Variant = iota
	// VariantLidar carries speed and one lidar scan per step.
	VariantLidar
	// VariantImage carries speed, gear, rpm and one image per step.
	// Images are persisted as blobs rather than kept in memory.
	VariantImage
	// VariantTelemetry carries flight telemetry and no frame.
	VariantTelemetry
)

// String returns the configuration name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantLidar:
		return "lidar"
	case VariantImage:
		return "image"
	case VariantTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// ParseVariant parses a configuration name.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "lidar":
		return VariantLidar, nil
	case "image":
		return VariantImage, nil
	case "telemetry":
		return VariantTelemetry, nil
	}
	return VariantUnknown, fmt.Errorf("unknown variant %q (want lidar, image or telemetry)", s)
}

// HasFrame reports whether rows of this variant carry a frame.
func (v Variant) HasFrame() bool {
	return v == VariantLidar || v == VariantImage
}

// DiskFrames reports whether frames are stored as blobs instead of in memory.
func (v Variant) DiskFrames() bool {
	return v == VariantImage
}

var scalarNames = map[Variant][]string{
	VariantLidar:     {"speed"},
	VariantImage:     {"speed", "gear", "rpm"},
	VariantTelemetry: {"altitude", "velocity", "acceleration", "target", "delay", "delay_kappa"},
}

// ScalarNames lists the scalar fields of a variant in storage order.
func ScalarNames(v Variant) []string {
	return scalarNames[v]
}
