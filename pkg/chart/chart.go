// Package chart turns a chart description and a data frame into a
// deterministic Vega-Lite artifact. The same inputs always produce
// byte-identical output.
package chart

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// Kind is a chart mark.
type Kind string

const (
	KindBar     Kind = "bar"
	KindLine    Kind = "line"
	KindArea    Kind = "area"
	KindPie     Kind = "pie"
	KindScatter Kind = "scatter"
)

// ParseKind normalizes a chart type name. "none" and "" are not charts.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBar, KindLine, KindArea, KindPie, KindScatter:
		return k, true
	case "column":
		return KindBar, true
	case "point":
		return KindScatter, true
	default:
		return "", false
	}
}

// Spec describes one chart over a frame. X is the category or domain
// column, Y the measure; pie charts use X for slices and Y for angles.
type Spec struct {
	Kind  Kind   `json:"type"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
	Color string `json:"color,omitempty"`
	Title string `json:"title,omitempty"`
	// Sort orders a bar chart's X axis by Y: "ascending" or "descending".
	Sort    string `json:"sort,omitempty"`
	Stacked bool   `json:"stacked,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// Format is the artifact format identifier.
const Format = "vega-lite/v5"

const schemaURL = "https://vega.github.io/schema/vega-lite/v5.json"

// Artifact is a rendered chart. It holds data and presentation only.
type Artifact struct {
	Format string          `json:"format"`
	Spec   json.RawMessage `json:"spec"`
	Digest string          `json:"digest"`
}

// Size is the serialized size of the chart spec in bytes.
func (a Artifact) Size() int { return len(a.Spec) }

// Renderer renders specs. MaxBytes caps the serialized spec; zero means no
// cap.
type Renderer struct {
	MaxBytes int
}

// Render renders spec over frame with no size cap.
func Render(spec Spec, frame Frame) (Artifact, error) {
	return Renderer{}.Render(spec, frame)
}

// Render resolves columns, infers field types and serializes the chart.
// Missing X/Y on bar, line and area charts fall back to the first two
// columns.
func (r Renderer) Render(spec Spec, frame Frame) (Artifact, error) {
	spec, err := resolve(spec, frame)
	if err != nil {
		return Artifact{}, err
	}

	doc := map[string]any{
		"$schema": schemaURL,
		"data":    map[string]any{"values": frame.Records()},
		"mark":    mark(spec),
	}
	if spec.Title != "" {
		doc["title"] = spec.Title
	}
	if spec.Width > 0 {
		doc["width"] = spec.Width
	}
	if spec.Height > 0 {
		doc["height"] = spec.Height
	}
	doc["encoding"] = encoding(spec, frame)

	// encoding/json sorts map keys, so equal inputs serialize identically.
	body, err := json.Marshal(doc)
	if err != nil {
		return Artifact{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "chart data is not serializable")
	}
	if r.MaxBytes > 0 && len(body) > r.MaxBytes {
		return Artifact{}, apperrors.Newf(apperrors.ErrCodeInvalidInput, "chart artifact is %d bytes, limit %d", len(body), r.MaxBytes).
			WithContext("limit", r.MaxBytes)
	}
	sum := sha256.Sum256(body)
	return Artifact{Format: Format, Spec: body, Digest: hex.EncodeToString(sum[:])}, nil
}

func resolve(spec Spec, frame Frame) (Spec, error) {
	kind, ok := ParseKind(string(spec.Kind))
	if !ok {
		return spec, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unsupported chart type %q", spec.Kind)
	}
	spec.Kind = kind
	if len(frame.Rows) == 0 {
		return spec, apperrors.New(apperrors.ErrCodeInvalidInput, "no data to chart")
	}

	if !frame.Has(spec.X) || !frame.Has(spec.Y) {
		switch {
		case kind == KindPie || kind == KindScatter:
			if spec.X == "" && spec.Y == "" && len(frame.Columns) >= 2 {
				spec.X, spec.Y = frame.Columns[0], frame.Columns[1]
				break
			}
			return spec, missingColumns(spec, frame)
		case len(frame.Columns) >= 2:
			spec.X, spec.Y = frame.Columns[0], frame.Columns[1]
		default:
			return spec, missingColumns(spec, frame)
		}
	}
	if spec.Color != "" && !frame.Has(spec.Color) {
		return spec, apperrors.Newf(apperrors.ErrCodeInvalidInput, "color column %q not in data", spec.Color)
	}
	switch spec.Sort {
	case "", "ascending", "descending":
	default:
		return spec, apperrors.Newf(apperrors.ErrCodeInvalidInput, "sort must be ascending or descending, got %q", spec.Sort)
	}
	return spec, nil
}

func missingColumns(spec Spec, frame Frame) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidInput, "columns x=%q y=%q not in data", spec.X, spec.Y).
		WithContext("columns", strings.Join(frame.Columns, ","))
}

func mark(spec Spec) any {
	switch spec.Kind {
	case KindPie:
		return map[string]any{"type": "arc"}
	case KindScatter:
		return map[string]any{"type": "point", "filled": true}
	case KindLine:
		return map[string]any{"type": "line", "point": true}
	default:
		return map[string]any{"type": string(spec.Kind)}
	}
}

func field(name string, t FieldType) map[string]any {
	return map[string]any{"field": name, "type": string(t)}
}

func encoding(spec Spec, frame Frame) map[string]any {
	enc := map[string]any{}
	if spec.Kind == KindPie {
		theta := field(spec.Y, Quantitative)
		theta["aggregate"] = "sum"
		enc["theta"] = theta
		enc["color"] = field(spec.X, Nominal)
		return enc
	}

	xType := frame.InferType(spec.X)
	if spec.Kind == KindBar && xType == Quantitative {
		xType = Nominal
	}
	x := field(spec.X, xType)
	if spec.Kind == KindBar && spec.Sort != "" {
		dir := "-y"
		if spec.Sort == "ascending" {
			dir = "y"
		}
		x["sort"] = dir
	}
	enc["x"] = x

	y := field(spec.Y, frame.InferType(spec.Y))
	if spec.Stacked && (spec.Kind == KindBar || spec.Kind == KindArea) {
		y["stack"] = "zero"
	} else if spec.Kind == KindBar || spec.Kind == KindArea {
		y["stack"] = nil
	}
	enc["y"] = y

	if spec.Color != "" {
		enc["color"] = field(spec.Color, frame.InferType(spec.Color))
	}
	tooltip := []any{field(spec.X, xType), field(spec.Y, frame.InferType(spec.Y))}
	if spec.Color != "" {
		tooltip = append(tooltip, field(spec.Color, frame.InferType(spec.Color)))
	}
	enc["tooltip"] = tooltip
	return enc
}

// Describe is a short human label for logs and audit records.
func (s Spec) Describe() string {
	return fmt.Sprintf("%s(x=%s, y=%s)", s.Kind, s.X, s.Y)
}
