package grpcstream

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the content subtype (application/grpc+json).
const codecName = "json"

// jsonCodec carries transport.Frame values as JSON, so devices need no
// generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
