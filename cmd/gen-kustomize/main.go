// gen-kustomize generates the kustomize patch for the SasGenerator CRD
// schema. The patch carries the spec and status schemas reflected from the
// API types, including their validation rules.
//
// Usage: go run ./cmd/gen-kustomize -out config/crd/patches/schema.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lukasngl/sas-operator/internal/crd"
)

func main() {
	var outFile string
	flag.StringVar(&outFile, "out", "", "Output file path (required)")
	flag.Parse()

	if outFile == "" {
		fmt.Fprintln(os.Stderr, "error: -out flag is required")
		flag.Usage()
		os.Exit(1)
	}

	patch, err := crd.GenerateKustomizePatch()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating patch: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outFile, patch, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", outFile)
}
