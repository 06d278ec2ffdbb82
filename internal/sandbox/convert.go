package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

// toGo converts a script result into plain Go data. Only data types are
// accepted; functions and other host values are rejected.
func toGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x.String())
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return x.GoString(), nil
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			item, err := toGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, elem := range x {
			item, err := toGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, kv := range x.Items() {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", kv[0].Type())
			}
			item, err := toGo(kv[1])
			if err != nil {
				return nil, err
			}
			out[key.GoString()] = item
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			item, err := toGo(attr)
			if err != nil {
				return nil, err
			}
			out[name] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

// decodeInto converts a script value into out via JSON, rejecting unknown fields.
func decodeInto(tool, field string, v starlark.Value, out any) error {
	plain, err := toGo(v)
	if err != nil {
		return &descriptor.SchemaError{Source: tool, Field: field, Message: err.Error()}
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return &descriptor.SchemaError{Source: tool, Field: field, Message: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &descriptor.SchemaError{Source: tool, Field: field, Message: err.Error()}
	}
	return nil
}

type versionDoc struct {
	Version    string `json:"version"`
	Prerelease bool   `json:"prerelease"`
	Date       string `json:"date"`
}

func decodeVersions(tool string, v starlark.Value) ([]descriptor.VersionRecord, error) {
	plain, err := toGo(v)
	if err != nil {
		return nil, &descriptor.SchemaError{Source: tool, Field: entryVersions, Message: err.Error()}
	}
	items, ok := plain.([]any)
	if !ok {
		return nil, &descriptor.SchemaError{Source: tool, Field: entryVersions, Message: fmt.Sprintf("must return a list, got %s", v.Type())}
	}

	records := make([]descriptor.VersionRecord, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("%s[%d]", entryVersions, i)
		switch x := item.(type) {
		case string:
			records = append(records, descriptor.ParseVersion(x, false, time.Time{}))
		case map[string]any:
			var doc versionDoc
			data, _ := json.Marshal(x)
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&doc); err != nil {
				return nil, &descriptor.SchemaError{Source: tool, Field: field, Message: err.Error()}
			}
			if strings.TrimSpace(doc.Version) == "" {
				return nil, &descriptor.SchemaError{Source: tool, Field: field + ".version", Message: "is required"}
			}
			records = append(records, descriptor.ParseVersion(doc.Version, doc.Prerelease, parseDate(doc.Date)))
		default:
			return nil, &descriptor.SchemaError{Source: tool, Field: field, Message: "must be a string or a dict"}
		}
	}
	return records, nil
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

type layoutDoc struct {
	Type            string          `json:"type"`
	StripPrefix     string          `json:"strip_prefix"`
	ExecutablePaths []string        `json:"executable_paths"`
	SourceName      string          `json:"source_name"`
	TargetName      string          `json:"target_name"`
	TargetDir       string          `json:"target_dir"`
	Permissions     json.RawMessage `json:"permissions"`
	PackagePath     string          `json:"package_path"`
	ExtraArgs       []string        `json:"extra_args"`
	Universal       bool            `json:"universal"`
}

func decodeLayout(tool string, v starlark.Value, vars descriptor.Vars) (descriptor.InstallDescriptor, error) {
	var doc layoutDoc
	if err := decodeInto(tool, entryLayout, v, &doc); err != nil {
		return descriptor.InstallDescriptor{}, err
	}
	kind := strings.ToLower(strings.TrimSpace(doc.Type))
	if !slices.Contains(descriptor.InstallKinds(), kind) {
		return descriptor.InstallDescriptor{}, descriptor.InvalidEnum(tool, entryLayout+".type", doc.Type, descriptor.InstallKinds())
	}

	perm, err := decodePermissions(doc.Permissions)
	if err != nil {
		return descriptor.InstallDescriptor{}, &descriptor.SchemaError{Source: tool, Field: entryLayout + ".permissions", Message: err.Error()}
	}
	rules := toolspec.LayoutRules{
		Kind:            kind,
		StripPrefix:     doc.StripPrefix,
		ExecutablePaths: doc.ExecutablePaths,
		SourceName:      doc.SourceName,
		TargetName:      doc.TargetName,
		TargetDir:       doc.TargetDir,
		Permissions:     fmt.Sprintf("%o", uint32(perm)),
		PackagePath:     doc.PackagePath,
		ExtraArgs:       doc.ExtraArgs,
		Universal:       doc.Universal,
	}
	d, err := rules.Descriptor(vars)
	if err != nil {
		return descriptor.InstallDescriptor{}, err
	}
	return d, nil
}

// decodePermissions accepts an integer such as 0o755 or an octal string.
func decodePermissions(raw json.RawMessage) (os.FileMode, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0o755, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || n > 0o7777 {
			return 0, fmt.Errorf("%d is out of range", n)
		}
		return os.FileMode(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("must be an int or an octal string")
	}
	return toolspec.ParsePermissions(s)
}

type fallbackDoc struct {
	Manager  string `json:"manager"`
	Package  string `json:"package"`
	Priority int    `json:"priority"`
}

func decodeFallbacks(tool string, v starlark.Value) ([]descriptor.FallbackStrategy, error) {
	var docs []fallbackDoc
	if err := decodeInto(tool, entryFallbacks, v, &docs); err != nil {
		return nil, err
	}
	out := make([]descriptor.FallbackStrategy, 0, len(docs))
	for i, doc := range docs {
		manager := strings.ToLower(strings.TrimSpace(doc.Manager))
		if !slices.Contains(toolspec.Managers, manager) {
			return nil, descriptor.InvalidEnum(tool, fmt.Sprintf("%s[%d].manager", entryFallbacks, i), doc.Manager, toolspec.Managers)
		}
		if strings.TrimSpace(doc.Package) == "" {
			return nil, &descriptor.SchemaError{Source: tool, Field: fmt.Sprintf("%s[%d].package", entryFallbacks, i), Message: "is required"}
		}
		out = append(out, descriptor.FallbackStrategy{Manager: manager, Package: doc.Package, Priority: doc.Priority})
	}
	return out, nil
}
