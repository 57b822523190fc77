package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/pyhost/language/python"
	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage the shared package directory and Python runtime",
	Long: `Pre-populate the package directory every isolate mounts read-only at
/packages, and fetch the CPython WASI module.

Packages are installed with the host's pip (pip install --target). Only
pure Python packages can be imported inside the sandbox.`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages with pip",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	RunE:  runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsRemove,
}

var depsRuntimeCmd = &cobra.Command{
	Use:   "runtime <url>",
	Short: "Download the CPython WASI module to the configured path",
	Args:  cobra.ExactArgs(1),
	RunE:  runDepsRuntime,
}

func init() {
	depsInstallCmd.Flags().String("pip", "pip", "pip executable")
	depsRuntimeCmd.Flags().Bool("force", false, "Replace an existing module")
	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd, depsRuntimeCmd)
	rootCmd.AddCommand(depsCmd)
}

func packageDir(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Isolate.PackageDir == "" {
		return "", fmt.Errorf("no package directory configured")
	}
	return cfg.Isolate.PackageDir, nil
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	dir, err := packageDir(cmd)
	if err != nil {
		return err
	}
	pip, _ := cmd.Flags().GetString("pip")

	out := cmd.OutOrStdout()
	for _, pkg := range args {
		fmt.Fprintf(out, "Installing %s...\n", pkg)
		if err := python.PipInstall(cmd.Context(), pip, dir, pkg); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

// installedPackages lists top-level package directories, skipping metadata
// and the per-session install directories.
func installedPackages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasSuffix(name, ".dist-info") || strings.HasPrefix(name, "__") || strings.HasPrefix(name, ".") || name == "bin" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	dir, err := packageDir(cmd)
	if err != nil {
		return err
	}
	names, err := installedPackages(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No packages installed.")
		return nil
	}
	fmt.Fprintf(out, "Packages in %s:\n", dir)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

// removePackage deletes a package directory and its dist-info metadata.
func removePackage(dir, pkg string) error {
	if pkg == "" || strings.ContainsAny(pkg, `/\`) || pkg == "." || pkg == ".." {
		return fmt.Errorf("invalid package name %q", pkg)
	}
	if err := os.RemoveAll(filepath.Join(dir, pkg)); err != nil {
		return err
	}
	entries, _ := os.ReadDir(dir)
	prefix := strings.ToLower(strings.ReplaceAll(pkg, "-", "_")) + "-"
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".dist-info") {
			os.RemoveAll(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	dir, err := packageDir(cmd)
	if err != nil {
		return err
	}
	for _, pkg := range args {
		if err := removePackage(dir, pkg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to remove %s: %v\n", pkg, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", pkg)
	}
	return nil
}

func runDepsRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(cfg.Isolate.Wasm); err == nil && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already present.\n", cfg.Isolate.Wasm)
		return nil
	}
	if err := download(cmd.Context(), args[0], cfg.Isolate.Wasm); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", cfg.Isolate.Wasm)
	return nil
}

// download fetches url into output through a temporary file, so a failed
// download never leaves a truncated module behind.
func download(ctx context.Context, url, output string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(output), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), output)
}
