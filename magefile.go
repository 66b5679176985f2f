//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
var Default = Build

func Build() error {
	mg.Deps(BuildSkysim)
	fmt.Println("Compilation finished")
	return nil
}

// cgoCommand runs go with the HDF5 include and library flags of the
// environment.
func cgoCommand(args ...string) *exec.Cmd {
	ldflags := os.Getenv("CGO_LDFLAGS")
	cflags := os.Getenv("CGO_CFLAGS")
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		fmt.Sprintf("CGO_LDFLAGS=%s", ldflags),
		fmt.Sprintf("CGO_CFLAGS=%s", cflags))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func BuildSkysim() error {
	fmt.Println("Building skysim executable...")
	return cgoCommand("build", "-o", "./bin/skysim", "./skysim").Run()
}

// Test runs every package, including the HDF5 backed ones.
func Test() error {
	return cgoCommand("test", "./...").Run()
}

// TestShort skips the full resolution determinism checks.
func TestShort() error {
	return cgoCommand("test", "-short", "./...").Run()
}
