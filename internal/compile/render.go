package compile

import (
	"fmt"
	"strings"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

// RenderText converts a compiled sequence into a line-per-directive natural
// language instruction for instruction-following image models. It mirrors
// the stage order exactly; the structured stages remain the authoritative
// contract and this text is sent alongside them.
func (s Sequence) RenderText() string {
	var lines []string

	if s.Prompt != "" {
		lines = append(lines, s.Prompt)
	}
	lines = append(lines, "Apply the following edits to the supplied image, strictly in order. Each step operates on the result of the previous step.")

	step := 0
	for _, stage := range s.Stages {
		if line := renderStage(stage); line != "" {
			step++
			lines = append(lines, fmt.Sprintf("%d. %s", step, line))
		}
	}

	lines = append(lines, "Perform no edits beyond the listed steps.")
	return strings.Join(lines, "\n")
}

func renderStage(stage Stage) string {
	switch stage.Kind {
	case KindRotate:
		direction := "clockwise"
		angle := stage.Rotate.AngleDegrees
		if angle < 0 {
			direction = "counter-clockwise"
			angle = -angle
		}
		return fmt.Sprintf("Rotate the image %d degrees %s.", angle, direction)

	case KindCrop:
		c := stage.Crop
		return fmt.Sprintf(
			"Crop to the region starting at %d%% from the left and %d%% from the top, spanning %d%% of the width and %d%% of the height of the current image.",
			c.XPct, c.YPct, c.WidthPct, c.HeightPct)

	case KindAdjust:
		a := stage.Adjust
		var parts []string
		if a.GrayscalePct != nil {
			parts = append(parts, fmt.Sprintf("convert to grayscale at %d%% intensity", *a.GrayscalePct))
		}
		if a.BrightnessPct != nil {
			parts = append(parts, fmt.Sprintf("set brightness to %d%% of the original", *a.BrightnessPct))
		}
		if a.ContrastPct != nil {
			parts = append(parts, fmt.Sprintf("set contrast to %d%% of the original", *a.ContrastPct))
		}
		return "Adjust tones as one pass, in this order: " + strings.Join(parts, ", then ") + "."

	case KindTransparency:
		switch stage.Transparency.Method {
		case domain.TransparencyFill:
			return fmt.Sprintf("Replace any transparent areas with the solid color %s.", stage.Transparency.FillColor)
		case domain.TransparencyDither:
			return "Dither any transparent areas into the surrounding content."
		default:
			return "Preserve any existing transparency exactly as-is."
		}

	case KindWatermark:
		w := stage.Watermark
		return fmt.Sprintf(
			"Stamp the watermark text %q in color %s at the %s of the image, sized to %d%% of the image width, at %d%% opacity.",
			w.Text, w.Color, anchorPhrase(w.Anchor), w.ScalePct, w.OpacityPct)

	case KindResize:
		r := stage.Resize
		if r.Mode == ResizeModeFit {
			return fmt.Sprintf(
				"Resize the image to fit within %dx%d pixels while keeping its aspect ratio.",
				r.WidthPx, r.HeightPx)
		}
		return fmt.Sprintf(
			"Stretch the image to exactly %dx%d pixels, ignoring its aspect ratio.",
			r.WidthPx, r.HeightPx)

	case KindTextOverlay:
		o := stage.TextOverlay
		return fmt.Sprintf(
			"Draw the text %q using the %s font at %dpx in color %s, centered at %d%% horizontally and %d%% vertically. This text must remain fully visible on top of everything else.",
			o.Content, o.Font, o.SizePx, o.Color, o.PositionXPct, o.PositionYPct)

	case KindEncode:
		e := stage.Encode
		if e.QualityPct > 0 {
			return fmt.Sprintf("Return the final image encoded as %s at quality %d.", strings.ToUpper(e.Format), e.QualityPct)
		}
		return fmt.Sprintf("Return the final image encoded as %s.", strings.ToUpper(e.Format))
	}

	return ""
}

func anchorPhrase(anchor string) string {
	switch anchor {
	case domain.AnchorNorthWest:
		return "top-left corner"
	case domain.AnchorNorth:
		return "top center"
	case domain.AnchorNorthEast:
		return "top-right corner"
	case domain.AnchorWest:
		return "middle left"
	case domain.AnchorCenter:
		return "center"
	case domain.AnchorEast:
		return "middle right"
	case domain.AnchorSouthWest:
		return "bottom-left corner"
	case domain.AnchorSouth:
		return "bottom center"
	default:
		return "bottom-right corner"
	}
}
