package compile

import (
	"strings"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

// Compile lowers edit settings into the instruction sequence for one source
// image. It is a total function over clamped settings: it never fails, and
// identical inputs always produce identical sequences.
//
// Stages are emitted strictly in StageOrder. Each optional stage is skipped
// when disabled or when its parameters reduce to a no-op; transparency
// handling and the encode directive are always present.
func Compile(settings domain.EditSettings, src Source) Sequence {
	seq := Sequence{
		Prompt: strings.TrimSpace(settings.Prompt),
		Source: src,
		Stages: make([]Stage, 0, len(StageOrder)),
	}

	for _, kind := range StageOrder {
		if stage, ok := buildStage(kind, settings); ok {
			seq.Stages = append(seq.Stages, stage)
		}
	}
	return seq
}

func buildStage(kind string, s domain.EditSettings) (Stage, bool) {
	switch kind {
	case KindRotate:
		if s.RotationAngleDegrees == 0 {
			return Stage{}, false
		}
		return Stage{Kind: KindRotate, Rotate: &RotateParams{
			AngleDegrees: s.RotationAngleDegrees,
		}}, true

	case KindCrop:
		if !s.Crop.Enabled {
			return Stage{}, false
		}
		return Stage{Kind: KindCrop, Crop: &CropParams{
			XPct:      s.Crop.XPct,
			YPct:      s.Crop.YPct,
			WidthPct:  s.Crop.WidthPct,
			HeightPct: s.Crop.HeightPct,
		}}, true

	case KindAdjust:
		params := AdjustParams{}
		if s.Filters.Grayscale.Enabled && s.Filters.Grayscale.IntensityPct > 0 {
			params.GrayscalePct = intPtr(s.Filters.Grayscale.IntensityPct)
		}
		if s.Filters.BrightnessPct != 100 {
			params.BrightnessPct = intPtr(s.Filters.BrightnessPct)
		}
		if s.Filters.ContrastPct != 100 {
			params.ContrastPct = intPtr(s.Filters.ContrastPct)
		}
		if params.GrayscalePct == nil && params.BrightnessPct == nil && params.ContrastPct == nil {
			return Stage{}, false
		}
		return Stage{Kind: KindAdjust, Adjust: &params}, true

	case KindTransparency:
		params := TransparencyParams{Method: s.Transparency.Method}
		if params.Method == domain.TransparencyFill {
			params.FillColor = s.Transparency.FillColor
		}
		return Stage{Kind: KindTransparency, Transparency: &params}, true

	case KindWatermark:
		text := strings.TrimSpace(s.Watermark.Text)
		if !s.Watermark.Enabled || text == "" {
			return Stage{}, false
		}
		return Stage{Kind: KindWatermark, Watermark: &WatermarkParams{
			Text:       text,
			OpacityPct: s.Watermark.OpacityPct,
			ScalePct:   s.Watermark.ScalePct,
			Color:      s.Watermark.Color,
			Anchor:     s.Watermark.Position,
		}}, true

	case KindResize:
		if !s.Resize.Enabled {
			return Stage{}, false
		}
		mode := ResizeModeStretch
		if s.Resize.MaintainAspectRatio {
			mode = ResizeModeFit
		}
		return Stage{Kind: KindResize, Resize: &ResizeParams{
			Mode:     mode,
			WidthPx:  s.Resize.WidthPx,
			HeightPx: s.Resize.HeightPx,
		}}, true

	case KindTextOverlay:
		content := strings.TrimSpace(s.TextOverlay.Content)
		if !s.TextOverlay.Enabled || content == "" {
			return Stage{}, false
		}
		return Stage{Kind: KindTextOverlay, TextOverlay: &TextOverlayParams{
			Content:      content,
			Font:         s.TextOverlay.Font,
			SizePx:       s.TextOverlay.SizePx,
			Color:        s.TextOverlay.Color,
			PositionXPct: s.TextOverlay.PositionXPct,
			PositionYPct: s.TextOverlay.PositionYPct,
		}}, true

	case KindEncode:
		params := EncodeParams{Format: s.OutputFormat}
		// Quality only matters for lossy formats.
		if params.Format != domain.FormatPNG {
			params.QualityPct = s.OutputQualityPct
		}
		return Stage{Kind: KindEncode, Encode: &params}, true
	}

	return Stage{}, false
}

func intPtr(v int) *int { return &v }
