package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// record is the persisted shape of one object. The list is stored as a flat
// JSON array whose order is the z-order.
type record struct {
	Type        Kind           `json:"type"`
	ID          string         `json:"id"`
	X           float64        `json:"x"`
	Y           float64        `json:"y"`
	CreatedAt   time.Time      `json:"createdAt"`
	ModifiedAt  time.Time      `json:"modifiedAt"`
	Width       *float64       `json:"width,omitempty"`
	Height      *float64       `json:"height,omitempty"`
	Category    *ColorCategory `json:"colorCategory,omitempty"`
	Label       *string        `json:"label,omitempty"`
	Content     *string        `json:"content,omitempty"`
	FontSize    *float64       `json:"fontSize,omitempty"`
	FontColor   *string        `json:"fontColor,omitempty"`
	Path        *[]Point       `json:"path,omitempty"`
	StrokeColor *string        `json:"strokeColor,omitempty"`
	StrokeWidth *float64       `json:"strokeWidth,omitempty"`
}

func toRecord(obj Object) record {
	meta := obj.Meta()
	rec := record{
		Type:       obj.Kind(),
		ID:         meta.ID,
		X:          meta.Position.X,
		Y:          meta.Position.Y,
		CreatedAt:  meta.CreatedAt.UTC(),
		ModifiedAt: meta.ModifiedAt.UTC(),
	}
	switch o := obj.(type) {
	case Box:
		label := o.Label()
		rec.Width, rec.Height = &o.Width, &o.Height
		rec.Category, rec.Label = &o.Category, &label
	case Text:
		rec.Content, rec.FontSize, rec.FontColor = &o.Content, &o.FontSize, &o.FontColor
	case Drawing:
		path := append([]Point(nil), o.Path...)
		rec.Path, rec.StrokeColor, rec.StrokeWidth = &path, &o.StrokeColor, &o.StrokeWidth
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
	return rec
}

func (r record) object() (Object, error) {
	meta := Meta{ID: r.ID, Position: Point{X: r.X, Y: r.Y}, CreatedAt: r.CreatedAt, ModifiedAt: r.ModifiedAt}
	var obj Object
	switch r.Type {
	case KindBox:
		b := Box{Base: meta, Width: deref(r.Width), Height: deref(r.Height)}
		if r.Category != nil {
			b.Category = *r.Category
		}
		obj = b
	case KindText:
		t := Text{Base: meta, FontSize: deref(r.FontSize)}
		if r.Content != nil {
			t.Content = *r.Content
		}
		if r.FontColor != nil {
			t.FontColor = *r.FontColor
		}
		obj = t
	case KindDrawing:
		d := Drawing{Base: meta, StrokeWidth: deref(r.StrokeWidth)}
		if r.Path != nil {
			d.Path = *r.Path
		}
		if r.StrokeColor != nil {
			d.StrokeColor = *r.StrokeColor
		}
		if len(d.Path) > 0 {
			d.Base.Position = d.Path[0]
		}
		obj = d
	default:
		return nil, fmt.Errorf("unknown object type %q", r.Type)
	}
	if err := Validate(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// MarshalObjects encodes the list as a tagged JSON array. Equal lists always
// encode to identical bytes; an empty list encodes as [].
func MarshalObjects(objects []Object) ([]byte, error) {
	records := make([]record, 0, len(objects))
	for _, obj := range objects {
		records = append(records, toRecord(obj))
	}
	return json.Marshal(records)
}

func MarshalObject(obj Object) ([]byte, error) {
	return json.Marshal(toRecord(obj))
}

// UnmarshalObjects decodes a tagged JSON array, preserving order. Duplicate
// ids are rejected.
func UnmarshalObjects(data []byte) ([]Object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []Object{}, nil
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode objects: %w", err)
	}
	seen := make(map[string]struct{}, len(records))
	objects := make([]Object, 0, len(records))
	for i, rec := range records {
		obj, err := rec.object()
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("object %d: duplicate id %q", i, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		objects = append(objects, obj)
	}
	return objects, nil
}
