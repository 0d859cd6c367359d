package domain

import "strings"

const (
	TransparencyFill     = "fill"
	TransparencyDither   = "dither"
	TransparencyPreserve = "preserve"

	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWEBP = "webp"
)

// Anchor names for watermark placement, minio-style gravity vocabulary.
const (
	AnchorNorthWest = "northwest"
	AnchorNorth     = "north"
	AnchorNorthEast = "northeast"
	AnchorWest      = "west"
	AnchorCenter    = "center"
	AnchorEast      = "east"
	AnchorSouthWest = "southwest"
	AnchorSouth     = "south"
	AnchorSouthEast = "southeast"
)

type CropSettings struct {
	Enabled   bool `json:"enabled"`
	XPct      int  `json:"x_pct"`
	YPct      int  `json:"y_pct"`
	WidthPct  int  `json:"width_pct"`
	HeightPct int  `json:"height_pct"`
}

type GrayscaleSettings struct {
	Enabled      bool `json:"enabled"`
	IntensityPct int  `json:"intensity_pct"`
}

// FilterSettings groups the tonal adjustments. Brightness and contrast use
// 100 as identity on a 0-200 scale.
type FilterSettings struct {
	Grayscale     GrayscaleSettings `json:"grayscale"`
	BrightnessPct int               `json:"brightness_pct"`
	ContrastPct   int               `json:"contrast_pct"`
}

type TransparencySettings struct {
	Method    string `json:"method"`
	FillColor string `json:"fill_color"`
}

type WatermarkSettings struct {
	Enabled    bool   `json:"enabled"`
	Text       string `json:"text"`
	OpacityPct int    `json:"opacity_pct"`
	ScalePct   int    `json:"scale_pct"`
	Color      string `json:"color"`
	Position   string `json:"position"`
}

type ResizeSettings struct {
	Enabled             bool `json:"enabled"`
	WidthPx             int  `json:"width_px"`
	HeightPx            int  `json:"height_px"`
	MaintainAspectRatio bool `json:"maintain_aspect_ratio"`
}

type TextOverlaySettings struct {
	Enabled      bool   `json:"enabled"`
	Content      string `json:"content"`
	Font         string `json:"font"`
	SizePx       int    `json:"size_px"`
	Color        string `json:"color"`
	PositionXPct int    `json:"position_x_pct"`
	PositionYPct int    `json:"position_y_pct"`
}

// EditSettings is the full edit configuration applied to every item of a
// batch run. It is treated as an immutable value: mutations happen on copies
// and pass through Clamped before being stored or compiled.
type EditSettings struct {
	Prompt               string               `json:"prompt"`
	RotationAngleDegrees int                  `json:"rotation_angle_degrees"`
	Crop                 CropSettings         `json:"crop"`
	Filters              FilterSettings       `json:"filters"`
	Transparency         TransparencySettings `json:"transparency"`
	Watermark            WatermarkSettings    `json:"watermark"`
	Resize               ResizeSettings       `json:"resize"`
	TextOverlay          TextOverlaySettings  `json:"text_overlay"`
	OutputFormat         string               `json:"output_format"`
	OutputQualityPct     int                  `json:"output_quality_pct"`
}

// DefaultEditSettings is the single documented default: every optional stage
// disabled, identity adjustments, transparency preserved, PNG output.
func DefaultEditSettings() EditSettings {
	return EditSettings{
		RotationAngleDegrees: 0,
		Crop: CropSettings{
			WidthPct:  100,
			HeightPct: 100,
		},
		Filters: FilterSettings{
			Grayscale:     GrayscaleSettings{IntensityPct: 100},
			BrightnessPct: 100,
			ContrastPct:   100,
		},
		Transparency: TransparencySettings{
			Method:    TransparencyPreserve,
			FillColor: "#ffffff",
		},
		Watermark: WatermarkSettings{
			OpacityPct: 50,
			ScalePct:   25,
			Color:      "#ffffff",
			Position:   AnchorSouthEast,
		},
		Resize: ResizeSettings{
			WidthPx:             1024,
			HeightPx:            1024,
			MaintainAspectRatio: true,
		},
		TextOverlay: TextOverlaySettings{
			Font:         "sans-serif",
			SizePx:       32,
			Color:        "#000000",
			PositionXPct: 50,
			PositionYPct: 50,
		},
		OutputFormat:     FormatPNG,
		OutputQualityPct: 90,
	}
}

// Clamped returns a copy with every numeric field forced into its documented
// range and enum fields normalized. This runs at every mutation boundary so
// the compiler never sees an out-of-range value.
func (s EditSettings) Clamped() EditSettings {
	s.RotationAngleDegrees = clampInt(s.RotationAngleDegrees, -180, 180)

	s.Crop.XPct = clampInt(s.Crop.XPct, 0, 100)
	s.Crop.YPct = clampInt(s.Crop.YPct, 0, 100)
	s.Crop.WidthPct = clampInt(s.Crop.WidthPct, 0, 100)
	s.Crop.HeightPct = clampInt(s.Crop.HeightPct, 0, 100)

	s.Filters.Grayscale.IntensityPct = clampInt(s.Filters.Grayscale.IntensityPct, 0, 100)
	s.Filters.BrightnessPct = clampInt(s.Filters.BrightnessPct, 0, 200)
	s.Filters.ContrastPct = clampInt(s.Filters.ContrastPct, 0, 200)

	s.Transparency.Method = NormalizeTransparencyMethod(s.Transparency.Method)

	s.Watermark.OpacityPct = clampInt(s.Watermark.OpacityPct, 0, 100)
	s.Watermark.ScalePct = clampInt(s.Watermark.ScalePct, 0, 100)
	s.Watermark.Position = NormalizeAnchor(s.Watermark.Position)

	if s.Resize.WidthPx < 1 {
		s.Resize.WidthPx = 1
	}
	if s.Resize.HeightPx < 1 {
		s.Resize.HeightPx = 1
	}

	if s.TextOverlay.SizePx < 1 {
		s.TextOverlay.SizePx = 1
	}
	s.TextOverlay.PositionXPct = clampInt(s.TextOverlay.PositionXPct, 0, 100)
	s.TextOverlay.PositionYPct = clampInt(s.TextOverlay.PositionYPct, 0, 100)

	s.OutputFormat = NormalizeOutputFormat(s.OutputFormat)
	s.OutputQualityPct = clampInt(s.OutputQualityPct, 1, 100)

	return s
}

func NormalizeTransparencyMethod(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case TransparencyFill:
		return TransparencyFill
	case TransparencyDither:
		return TransparencyDither
	default:
		return TransparencyPreserve
	}
}

func NormalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", FormatJPEG:
		return FormatJPEG
	case FormatWEBP:
		return FormatWEBP
	default:
		return FormatPNG
	}
}

func NormalizeAnchor(anchor string) string {
	switch strings.ToLower(strings.TrimSpace(anchor)) {
	case AnchorNorthWest, AnchorNorth, AnchorNorthEast,
		AnchorWest, AnchorCenter, AnchorEast,
		AnchorSouthWest, AnchorSouth:
		return strings.ToLower(strings.TrimSpace(anchor))
	default:
		return AnchorSouthEast
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
