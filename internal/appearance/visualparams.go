package appearance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed visualparams.yaml
var visualParamsYAML []byte

// VisualParam is one entry of the slider table.
type VisualParam struct {
	Index   int    `yaml:"index"`
	Name    string `yaml:"name"`
	Default byte   `yaml:"default"`
}

type visualParamFile struct {
	Legacy  []VisualParam `yaml:"legacy"`
	Physics []VisualParam `yaml:"physics"`
}

var (
	visualParams    []VisualParam
	visualParamByID map[string]int

	// LegacyVisualParamCount is the slider count every peer understands.
	LegacyVisualParamCount int
	// VisualParamCount is the slider count including physics sliders.
	VisualParamCount int
)

func init() {
	table, err := parseVisualParams(visualParamsYAML)
	if err != nil {
		panic(fmt.Sprintf("appearance: %v", err))
	}
	visualParams = append(table.Legacy, table.Physics...)
	LegacyVisualParamCount = len(table.Legacy)
	VisualParamCount = len(visualParams)
	visualParamByID = make(map[string]int, len(visualParams))
	for _, p := range visualParams {
		visualParamByID[p.Name] = p.Index
	}
}

func parseVisualParams(data []byte) (*visualParamFile, error) {
	var table visualParamFile
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse visual param table: %w", err)
	}
	all := append(append([]VisualParam(nil), table.Legacy...), table.Physics...)
	seen := make(map[string]bool, len(all))
	for i, p := range all {
		if p.Index != i {
			return nil, fmt.Errorf("visual param %q has index %d, want %d", p.Name, p.Index, i)
		}
		if p.Name == "" || seen[p.Name] {
			return nil, fmt.Errorf("visual param %d has empty or duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return &table, nil
}

// VisualParams returns a copy of the slider table.
func VisualParams() []VisualParam {
	out := make([]VisualParam, len(visualParams))
	copy(out, visualParams)
	return out
}

// VisualParamName returns the name of a slider, or "" when out of range.
func VisualParamName(index int) string {
	if index < 0 || index >= len(visualParams) {
		return ""
	}
	return visualParams[index].Name
}

// VisualParamDefault returns the default value of a slider.
func VisualParamDefault(index int) byte {
	if index < 0 || index >= len(visualParams) {
		return 0
	}
	return visualParams[index].Default
}

// VisualParamIndex looks a slider up by name.
func VisualParamIndex(name string) (int, bool) {
	i, ok := visualParamByID[name]
	return i, ok
}

// DefaultVisualParams returns the default slider values, n of them (capped
// at VisualParamCount). n <= 0 means all.
func DefaultVisualParams(n int) []byte {
	if n <= 0 || n > len(visualParams) {
		n = len(visualParams)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = visualParams[i].Default
	}
	return out
}
