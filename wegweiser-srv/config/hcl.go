package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig reads an attribute-style HCL file and feeds the decoded
// values through the same pipeline as the JSON loader.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate HCL attribute %q: %s", name, diags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("failed to convert HCL attribute %q: %w", name, err)
		}
		data[name] = goVal
	}

	return applyConfigMap(data, cfg)
}

// ctyToGo converts a cty value into the JSON-decoder shapes applyConfigMap
// expects: map[string]any, []any, string, float64, bool, nil.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var result []any
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			goVal, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, goVal)
		}
		return result, nil
	case ty.IsObjectType() || ty.IsMapType():
		result := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			goVal, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result[key.AsString()] = goVal
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type: %s", ty.FriendlyName())
	}
}
