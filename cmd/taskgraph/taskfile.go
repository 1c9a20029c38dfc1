package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskgraph/runner/internal/registry"
	"github.com/taskgraph/runner/internal/taskrunner"
)

// taskFile is the on-disk declaration for one command-backed task, the
// Go-native stand-in for the original lineage's decorator-registered Python
// modules (dynamic code loading has no idiomatic Go equivalent — see
// DESIGN.md). loadTaskFiles walks --start_dir for "*.task.json" files, each
// declaring exactly one task.
type taskFile struct {
	Name                 string            `json:"name"`
	Argv                 []string          `json:"argv"`  // direct exec; mutually exclusive with Shell
	Shell                string            `json:"shell"` // run via "sh -c"; mutually exclusive with Argv
	Dir                  string            `json:"dir"`
	Env                  map[string]string `json:"env"`
	RetryLimit           int               `json:"retry_limit"`
	RetryIntervalSeconds float64           `json:"retry_interval_seconds"`
	InputKeys            []string          `json:"input_keys"`
	OutputKeys           []string          `json:"output_keys"`
	Disabled             bool              `json:"disabled"`
	RenameInput          map[string]string `json:"rename_input"`
	RenameOutput         map[string]string `json:"rename_output"`
}

// loadTaskFiles walks dir for "*.task.json" files and returns one
// registry.Decl per file plus the accumulated Signature renames, ready for
// Registry.Register, and the names of the tasks whose file sets "disabled".
func loadTaskFiles(dir string) ([]registry.Decl, map[string]registry.Signature, []string, error) {
	var decls []registry.Decl
	sigs := make(map[string]registry.Signature)
	var disabled []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".task.json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("taskfile: read %q: %w", path, err)
		}
		var tf taskFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return fmt.Errorf("taskfile: parse %q: %w", path, err)
		}
		if tf.Name == "" {
			return fmt.Errorf("taskfile: %q missing required \"name\"", path)
		}
		if len(tf.Argv) == 0 && tf.Shell == "" {
			return fmt.Errorf("taskfile: %q must set \"argv\" or \"shell\"", path)
		}

		interval := time.Duration(tf.RetryIntervalSeconds * float64(time.Second))
		limit := tf.RetryLimit
		if limit <= 0 {
			limit = 1
		}
		env := make([]string, 0, len(tf.Env))
		for k, v := range tf.Env {
			env = append(env, k+"="+v)
		}
		runner := taskrunner.NewCommandRunner(
			taskrunner.Spec{Name: tf.Name, RetryLimit: limit, RetryInterval: interval},
			taskrunner.CommandSpec{Argv: tf.Argv, Shell: tf.Shell, Dir: tf.Dir, Env: env},
		)
		decls = append(decls, registry.Decl{
			Name:       tf.Name,
			Runner:     runner,
			InputKeys:  tf.InputKeys,
			OutputKeys: tf.OutputKeys,
		})
		if len(tf.RenameInput) > 0 || len(tf.RenameOutput) > 0 {
			sigs[tf.Name] = registry.Signature{Input: tf.RenameInput, Output: tf.RenameOutput}
		}
		if tf.Disabled {
			disabled = append(disabled, tf.Name)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return decls, sigs, disabled, nil
}
