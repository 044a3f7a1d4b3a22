package builder

import (
	"os"
	"path/filepath"
)

type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
	Bun  PackageManager = "bun"
)

// lockfiles are checked in priority order.
var lockfiles = []struct {
	file string
	pm   PackageManager
}{
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
	{"bun.lockb", Bun},
	{"package-lock.json", NPM},
}

// DetectPackageManager picks the package manager from the lockfile present in dir,
// defaulting to npm.
func DetectPackageManager(dir string) PackageManager {
	for _, candidate := range lockfiles {
		if fileExists(filepath.Join(dir, candidate.file)) {
			return candidate.pm
		}
	}

	return NPM
}

// InstallCommand returns the reproducible install command for pm in dir.
func InstallCommand(pm PackageManager, dir string) (string, []string) {
	switch pm {
	case PNPM:
		return "pnpm", []string{"install", "--frozen-lockfile"}
	case Yarn:
		return "yarn", []string{"install", "--frozen-lockfile"}
	case Bun:
		return "bun", []string{"install", "--frozen-lockfile"}
	default:
		if fileExists(filepath.Join(dir, "package-lock.json")) {
			return "npm", []string{"ci"}
		}

		return "npm", []string{"install"}
	}
}

// ScriptCommand returns the command running a package.json script.
func ScriptCommand(pm PackageManager, script string) (string, []string) {
	if pm == "" {
		pm = NPM
	}

	if script == "test" {
		return string(pm), []string{"test"}
	}

	return string(pm), []string{"run", script}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
