package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const outDirKey = "out_dir"

// DeriveRunConfig produces the per run training config from the base config
// file. With no output location the result is a byte identical copy of the
// base file. Otherwise the out_dir key is injected: appended as a single
// trailing line when the base document does not define it, or overridden (new
// value wins) when it does.
func DeriveRunConfig(base []byte, outputLocation string) ([]byte, error) {
	if outputLocation == "" {
		return base, nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("error parsing base config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	if _, defined := doc[outDirKey]; !defined {
		derived := make([]byte, 0, len(base)+len(outDirKey)+len(outputLocation)+4)
		derived = append(derived, base...)
		if len(derived) > 0 && derived[len(derived)-1] != '\n' {
			derived = append(derived, '\n')
		}
		derived = append(derived, []byte(fmt.Sprintf("%v: %v\n", outDirKey, outputLocation))...)
		return derived, nil
	}

	doc[outDirKey] = outputLocation
	derived, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("error serializing derived config: %w", err)
	}
	return derived, nil
}
