package transform

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Descriptor names a transform module and its options.
// It is encoded as a bare name string when there are no options, {name, options} otherwise.
type Descriptor struct {
	Name    string
	Options map[string]any
}

type descriptorObject struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	if len(d.Options) == 0 {
		return json.Marshal(d.Name)
	}
	return json.Marshal(descriptorObject{Name: d.Name, Options: d.Options})
}

func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		if name == "" {
			return errors.New("empty transform name")
		}
		*d = Descriptor{Name: name}
		return nil
	}
	var obj descriptorObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("transform descriptor must be a name or {name, options}: %w", err)
	}
	if obj.Name == "" {
		return errors.New("empty transform name")
	}
	*d = Descriptor{Name: obj.Name, Options: obj.Options}
	return nil
}

func (d Descriptor) String() string {
	return d.Name
}

// parseDescriptor converts a descriptor decoded from app config.
func parseDescriptor(v any) (Descriptor, error) {
	switch v := v.(type) {
	case string:
		if v == "" {
			return Descriptor{}, errors.New("empty transform name")
		}
		return Descriptor{Name: v}, nil
	case map[string]any:
		name, _ := v["name"].(string)
		if name == "" {
			return Descriptor{}, errors.New("transform entry without a name")
		}
		d := Descriptor{Name: name}
		switch opts := v["options"].(type) {
		case nil:
		case map[string]any:
			d.Options = opts
		default:
			return Descriptor{}, fmt.Errorf("options of %s must be a map, got %T", name, opts)
		}
		return d, nil
	default:
		return Descriptor{}, fmt.Errorf("transform entry must be a name or {name, options}, got %T", v)
	}
}
