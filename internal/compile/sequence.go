package compile

import "github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"

// Stage kinds in their mandatory order. The external transform service
// executes stage N against the output of stage N-1, so this order is part of
// the wire contract, not an implementation detail.
const (
	KindRotate       = "rotate"
	KindCrop         = "crop"
	KindAdjust       = "adjust"
	KindTransparency = "transparency"
	KindWatermark    = "watermark"
	KindResize       = "resize"
	KindTextOverlay  = "text_overlay"
	KindEncode       = "encode"
)

// StageOrder is the canonical emission order. Compile walks this list; no
// other code path may append stages.
var StageOrder = []string{
	KindRotate,
	KindCrop,
	KindAdjust,
	KindTransparency,
	KindWatermark,
	KindResize,
	KindTextOverlay,
	KindEncode,
}

const (
	ResizeModeFit     = "fit"
	ResizeModeStretch = "stretch"
)

type RotateParams struct {
	AngleDegrees int `json:"angle_degrees"`
}

// CropParams are percentages of the previous stage's output, i.e. the
// rotated image when rotation is present.
type CropParams struct {
	XPct      int `json:"x_pct"`
	YPct      int `json:"y_pct"`
	WidthPct  int `json:"width_pct"`
	HeightPct int `json:"height_pct"`
}

// AdjustParams is the single combined tonal stage. Sub-adjustments apply in
// declaration order: grayscale, brightness, contrast. Fields are pointers so
// an explicit 0% (black out, flatten) survives serialization: nil means the
// adjustment is absent, not zero.
type AdjustParams struct {
	GrayscalePct  *int `json:"grayscale_pct,omitempty"`
	BrightnessPct *int `json:"brightness_pct,omitempty"`
	ContrastPct   *int `json:"contrast_pct,omitempty"`
}

type TransparencyParams struct {
	Method    string `json:"method"`
	FillColor string `json:"fill_color,omitempty"`
}

type WatermarkParams struct {
	Text       string `json:"text"`
	OpacityPct int    `json:"opacity_pct"`
	ScalePct   int    `json:"scale_pct"`
	Color      string `json:"color"`
	Anchor     string `json:"anchor"`
}

type ResizeParams struct {
	Mode     string `json:"mode"`
	WidthPx  int    `json:"width_px"`
	HeightPx int    `json:"height_px"`
}

type TextOverlayParams struct {
	Content      string `json:"content"`
	Font         string `json:"font"`
	SizePx       int    `json:"size_px"`
	Color        string `json:"color"`
	PositionXPct int    `json:"position_x_pct"`
	PositionYPct int    `json:"position_y_pct"`
}

type EncodeParams struct {
	Format     string `json:"format"`
	QualityPct int    `json:"quality_pct,omitempty"`
}

// Stage is one directive of a compiled sequence. Exactly one params field is
// populated, matching Kind.
type Stage struct {
	Kind         string              `json:"kind"`
	Rotate       *RotateParams       `json:"rotate,omitempty"`
	Crop         *CropParams         `json:"crop,omitempty"`
	Adjust       *AdjustParams       `json:"adjust,omitempty"`
	Transparency *TransparencyParams `json:"transparency,omitempty"`
	Watermark    *WatermarkParams    `json:"watermark,omitempty"`
	Resize       *ResizeParams       `json:"resize,omitempty"`
	TextOverlay  *TextOverlayParams  `json:"text_overlay,omitempty"`
	Encode       *EncodeParams       `json:"encode,omitempty"`
}

// Source describes the input image the sequence applies to. The compiler
// never reads pixels; the descriptor only informs the rendered instruction.
type Source struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
}

// Sequence is the fully resolved instruction passed opaquely to the
// transform service. Prompt always leads; stages follow in StageOrder.
type Sequence struct {
	Prompt string  `json:"prompt,omitempty"`
	Source Source  `json:"source"`
	Stages []Stage `json:"stages"`
}

func (s Sequence) Stage(kind string) (Stage, bool) {
	for _, stage := range s.Stages {
		if stage.Kind == kind {
			return stage, true
		}
	}
	return Stage{}, false
}

// OutputFormat reads the encode directive, defaulting to PNG if a sequence
// was somehow built without one.
func (s Sequence) OutputFormat() string {
	if stage, ok := s.Stage(KindEncode); ok && stage.Encode != nil {
		return stage.Encode.Format
	}
	return domain.FormatPNG
}
