package python

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidatePackage rejects requirement strings that could smuggle shell
// syntax or pip options.
func ValidatePackage(spec string) error {
	if spec == "" {
		return fmt.Errorf("package name required")
	}
	if strings.HasPrefix(spec, "-") {
		return fmt.Errorf("invalid package name %q", spec)
	}
	if strings.ContainsAny(spec, ";|&$`") || strings.IndexFunc(spec, unicode.IsSpace) >= 0 {
		return fmt.Errorf("invalid package name %q", spec)
	}
	return nil
}

// PipInstall runs "pip install --target dir spec". The combined pip output
// is returned in the error on failure.
func PipInstall(ctx context.Context, pip, dir, spec string) error {
	if err := ValidatePackage(spec); err != nil {
		return err
	}
	if pip == "" {
		pip = "pip"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create package dir: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve package dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, pip, "install", "--quiet", "--disable-pip-version-check", "--target", absDir, spec)
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			return fmt.Errorf("pip install %s: %w", spec, err)
		}
		return fmt.Errorf("pip install %s: %w: %s", spec, err, msg)
	}
	return nil
}
