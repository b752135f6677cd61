//go:build ignore
// +build ignore

/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// verify-framework-imports checks that files under pkg/flowcontrol/framework import no module package outside
// allowedPaths. External dependencies are not checked.
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

const repoModule = "sigs.k8s.io/flowqueue"

var (
	frameworkPath     string
	additionalAllowed []string
	verbose           bool
)

// allowedPaths are the module packages every framework file may import.
var allowedPaths = []string{
	"pkg/flowcontrol/framework",
	"pkg/flowcontrol/types",
	"pkg/common/observability/logging",
}

func init() {
	pflag.StringVar(&frameworkPath, "path", "./pkg/flowcontrol/framework", "Directory to validate")
	pflag.StringSliceVar(&additionalAllowed, "allow", []string{}, "Additional allowed import paths (can be specified multiple times)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "List every checked file")
}

func main() {
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type violation struct {
	filePath   string
	importPath string
}

func (v violation) String() string {
	return fmt.Sprintf("%s: imports %s", v.filePath, v.importPath)
}

func isAllowed(relImportPath string, allowed []string) bool {
	for _, p := range allowed {
		if relImportPath == p || strings.HasPrefix(relImportPath, p+"/") {
			return true
		}
	}
	return false
}

func run() error {
	allowed := append(append([]string{}, allowedPaths...), additionalAllowed...)
	fmt.Printf("Validating imports in %s\n", frameworkPath)
	fmt.Printf("Allowed module paths: %v\n\n", allowed)

	var violations []violation
	files := 0
	err := filepath.WalkDir(frameworkPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") {
			return nil
		}
		files++
		if verbose {
			fmt.Println("  checking " + path)
		}

		node, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ImportsOnly)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, imp := range node.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if !strings.HasPrefix(importPath, repoModule+"/") {
				continue
			}
			rel := strings.TrimPrefix(importPath, repoModule+"/")
			if !isAllowed(rel, allowed) {
				violations = append(violations, violation{filePath: path, importPath: rel})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}

	if len(violations) > 0 {
		sort.Slice(violations, func(i, j int) bool { return violations[i].filePath < violations[j].filePath })
		fmt.Printf("[ERROR] Found %d import violations:\n", len(violations))
		for _, v := range violations {
			fmt.Println("  " + v.String())
		}
		return fmt.Errorf("import validation failed: %d violations found", len(violations))
	}

	fmt.Printf("[PASS] All imports in %d files under %s are valid!\n", files, frameworkPath)
	return nil
}
