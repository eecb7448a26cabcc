// blockbench drives the blockpool allocators through configurable
// allocation scenarios and checks the structural invariants afterwards.
// Scenarios are described in a YAML file; with no file, a built-in default
// mix runs. Exit status is nonzero if any scenario fails its sweep.
//
// Usage:
//
//	blockbench [-scenarios file.yaml] [-run name] [-v]
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func main() {
	var (
		scenariosPath = flag.String("scenarios", "", "YAML scenario file; empty runs the built-in default mix")
		runOnly       = flag.String("run", "", "run only the scenario with this name")
		verbose       = flag.Bool("v", false, "log per-scenario progress")
	)
	flag.Parse()

	scenarios := defaultScenarios()
	if *scenariosPath != "" {
		data, err := os.ReadFile(*scenariosPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "blockbench:", err)
			os.Exit(2)
		}
		var file scenarioFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			fmt.Fprintln(os.Stderr, "blockbench:", err)
			os.Exit(2)
		}
		scenarios = file.Scenarios
	}

	failed := 0
	for _, sc := range scenarios {
		if *runOnly != "" && sc.Name != *runOnly {
			continue
		}
		if err := sc.run(*verbose); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", sc.Name, err)
			continue
		}
		fmt.Printf("ok   %s\n", sc.Name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
