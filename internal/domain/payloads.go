package domain

import (
	"encoding/json"
	"fmt"
)

// Artifact payloads are open-schema JSON modeled as tagged variants with a
// trailing Extra map for forward compatibility.

// PayloadKind tags the concrete artifact payload variant.
type PayloadKind string

const (
	PayloadTable  PayloadKind = "table"
	PayloadOCR    PayloadKind = "ocr"
	PayloadFigure PayloadKind = "figure"
)

// ArtifactPayload is the closed set of payload variants.
type ArtifactPayload interface {
	PayloadKind() PayloadKind
}

// TableCell is one cell of an extracted table.
type TableCell struct {
	Row          int     `json:"row"`
	Column       int     `json:"column"`
	Text         string  `json:"text"`
	IsNumeric    bool    `json:"is_numeric"`
	NumericValue float64 `json:"numeric_value,omitempty"`
}

// TablePayload carries an extracted table with detector metadata.
type TablePayload struct {
	Cells      []TableCell    `json:"cells"`
	Rows       int            `json:"rows"`
	Columns    int            `json:"columns"`
	Score      float64        `json:"score,omitempty"`
	Confidence string         `json:"confidence,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (TablePayload) PayloadKind() PayloadKind { return PayloadTable }

// OCRPayload carries raw OCR cells streamed from a provider.
type OCRPayload struct {
	Provider string         `json:"provider"`
	Cells    []TableCell    `json:"cells"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func (OCRPayload) PayloadKind() PayloadKind { return PayloadOCR }

// FigurePayload carries a detected figure region.
type FigurePayload struct {
	Caption string         `json:"caption,omitempty"`
	X       float64        `json:"x"`
	Y       float64        `json:"y"`
	Width   float64        `json:"width"`
	Height  float64        `json:"height"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (FigurePayload) PayloadKind() PayloadKind { return PayloadFigure }

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload serializes a payload with its kind tag.
func MarshalPayload(p ArtifactPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=payload.marshal: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.PayloadKind(), Data: data})
}

// UnmarshalPayload deserializes a tagged payload into its concrete variant.
func UnmarshalPayload(b []byte) (ArtifactPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("op=payload.unmarshal: %w", err)
	}
	switch env.Kind {
	case PayloadTable:
		var p TablePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("op=payload.unmarshal table: %w", err)
		}
		return p, nil
	case PayloadOCR:
		var p OCRPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("op=payload.unmarshal ocr: %w", err)
		}
		return p, nil
	case PayloadFigure:
		var p FigurePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("op=payload.unmarshal figure: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown payload kind %q", ErrInvalidInput, env.Kind)
}
