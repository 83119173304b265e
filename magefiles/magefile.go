//go:build mage

// Package main provides build targets for meshsync using Mage.
//
// Usage:
//
//	mage build          Compile meshsync binary to bin/
//	mage test           Run all tests
//	mage scenarios      Run the publish scenarios against their golden files
//	mage lint           Run golangci-lint
//	mage clean          Remove build artifacts
package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName = "meshsync"
	binaryDir  = "bin"
	cmdDir     = "./cmd/meshsync"

	scenarioDir = "internal/harness/testdata/scenarios"
	goldenDir   = "internal/harness/testdata/golden"
)

// Build compiles the meshsync binary to bin/, stamping the version from
// git when available.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	ldflags := "-X github.com/roach88/meshsync/internal/cli.Version=" + version()
	return sh.RunV("go", "build", "-v", "-ldflags", ldflags, "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Test runs all tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Scenarios builds the binary and runs the publish scenarios through it.
func Scenarios() error {
	mg.Deps(Build)
	return sh.RunV(filepath.Join(binaryDir, binaryName), "test", scenarioDir, "--golden", goldenDir)
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV("go", "clean")
}

func version() string {
	out, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || strings.TrimSpace(out) == "" {
		return "dev"
	}
	return strings.TrimSpace(out)
}
