//go:build mage

// Tools for building and testing rfmesh.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Compiles the rfmesh binary into ./bin.
func Build() error {
	mg.Deps(Vet)
	return sh.RunV("go", "build", "-o", "bin/rfmesh", ".")
}

// Runs go vet across every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Runs all rfmesh tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}
