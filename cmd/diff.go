package cmd

import (
	"fmt"

	"grimm.is/bastion/internal/config"
)

// RunDiff compares two configuration files and prints a unified diff of
// their canonical forms. Exits non-zero when they differ.
func RunDiff(pathA, pathB string) error {
	a, err := config.LoadFile(pathA)
	if err != nil {
		return fmt.Errorf("load %s: %w", pathA, err)
	}
	b, err := config.LoadFile(pathB)
	if err != nil {
		return fmt.Errorf("load %s: %w", pathB, err)
	}

	text, err := config.Diff(a, b)
	if err != nil {
		return err
	}
	if text == "" {
		fmt.Println("Configurations are equivalent.")
		return nil
	}

	fmt.Print(text)
	return fmt.Errorf("configurations differ")
}
