package transform

import (
	"context"
	"errors"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/compile"
)

// ErrNoResult indicates the service answered without an image payload.
var ErrNoResult = errors.New("transform service returned no image")

// Request carries one item's source image plus its compiled instruction
// sequence. The sequence is passed opaquely; how the far side renders it is
// outside this core's contract.
type Request struct {
	SourceBytes []byte
	MimeType    string
	Sequence    compile.Sequence
}

// Result is the transformed image returned by the capability.
type Result struct {
	Bytes    []byte
	MimeType string
}

// Capability is the external, fallible black box that executes an
// instruction sequence against source image bytes. One call per item, no
// retry policy at this boundary.
type Capability interface {
	Transform(ctx context.Context, req Request) (Result, error)
}
