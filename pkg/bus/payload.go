package bus

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood by Payload.Decode.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
	ContentTypeText = "text/plain"
)

// Payload is an opaque blob tagged with its content type. Packet contents, task
// data and shared context data are all Payloads so readers decode deliberately
// instead of accepting arbitrary shapes.
type Payload struct {
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// cborEnc uses Core Deterministic Encoding so the same value always produces
// the same bytes; packet digests depend on that.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bus: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bus: CBOR decoder initialization failed: " + err.Error())
	}
}

// JSONPayload encodes v as JSON.
func JSONPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	return Payload{ContentType: ContentTypeJSON, Data: data}, nil
}

// CBORPayload encodes v as deterministic CBOR.
func CBORPayload(v any) (Payload, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal CBOR payload: %w", err)
	}
	return Payload{ContentType: ContentTypeCBOR, Data: data}, nil
}

// TextPayload wraps plain text.
func TextPayload(s string) Payload {
	if s == "" {
		return Payload{}
	}
	return Payload{ContentType: ContentTypeText, Data: []byte(s)}
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return p.ContentType == "" && len(p.Data) == 0
}

// Validate checks that a non-empty payload declares a known content type.
func (p Payload) Validate() error {
	if p.IsZero() {
		return nil
	}
	switch p.ContentType {
	case ContentTypeJSON, ContentTypeCBOR, ContentTypeText:
		return nil
	case "":
		return fmt.Errorf("payload data without content type")
	default:
		return fmt.Errorf("unknown content type: %q", p.ContentType)
	}
}

// Decode unmarshals the payload into v according to its content type.
// Text payloads decode into *string or *[]byte only.
func (p Payload) Decode(v any) error {
	switch p.ContentType {
	case ContentTypeJSON:
		return json.Unmarshal(p.Data, v)
	case ContentTypeCBOR:
		return cborDec.Unmarshal(p.Data, v)
	case ContentTypeText:
		switch out := v.(type) {
		case *string:
			*out = string(p.Data)
			return nil
		case *[]byte:
			*out = append([]byte(nil), p.Data...)
			return nil
		default:
			return fmt.Errorf("text payload cannot decode into %T", v)
		}
	case "":
		return fmt.Errorf("empty payload")
	default:
		return fmt.Errorf("unknown content type: %q", p.ContentType)
	}
}

// Text returns the payload data as a string regardless of content type.
func (p Payload) Text() string {
	return string(p.Data)
}
