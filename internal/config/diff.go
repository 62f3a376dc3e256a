package config

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff between two configurations, in canonical HCL
// form. An empty string means the configs are equivalent.
func Diff(a, b *Config) (string, error) {
	aHCL, err := GenerateHCL(a)
	if err != nil {
		return "", err
	}
	bHCL, err := GenerateHCL(b)
	if err != nil {
		return "", err
	}
	if string(aHCL) == string(bHCL) {
		return "", nil
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(aHCL)),
		B:        difflib.SplitLines(string(bHCL)),
		FromFile: "current",
		ToFile:   "proposed",
		Context:  3,
	})
}
