package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"pkt.systems/coqsync/internal/version"
)

const ldflagsVar = "pkt.systems/coqsync/internal/version.buildVersion"

func main() {
	var outPath string
	var ldflags bool
	flag.StringVar(&outPath, "o", "", "write the version to this file instead of stdout")
	flag.BoolVar(&ldflags, "ldflags", false, "print a -X flag that pins the version at link time")
	flag.Parse()

	ver := strings.TrimSpace(version.Current())
	if ver == "" {
		ver = "v0.0.0-unknown"
	}
	line := ver
	if ldflags {
		line = ldflagsLine(ver)
	}

	if outPath != "" {
		if err := writeVersion(outPath, line); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		return
	}
	fmt.Fprintln(os.Stdout, line)
}

func ldflagsLine(ver string) string {
	return fmt.Sprintf("-X %s=%s", ldflagsVar, ver)
}

func writeVersion(path, line string) error {
	current, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(current)) == line {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read version file: %w", err)
	}
	if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return nil
}
