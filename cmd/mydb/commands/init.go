package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "First-time setup: write config template, create the catalog, test connections",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	// 1. Write template config if missing
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(config.TemplateConfig()), 0600); err != nil {
			return fmt.Errorf("writing config template: %w", err)
		}
		fmt.Fprintf(w, "  wrote config template to %s\n", path)
		fmt.Fprintf(w, "\nEdit %s with your settings, then run 'mydb init' again.\n", path)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  config loaded from %s\n", path)

	// 2. Catalog directories
	for _, p := range []string{cfg.Catalog.Path, cfg.Catalog.MigratePath} {
		if p == "" || p == ":memory:" {
			continue
		}
		d := filepath.Dir(p)
		if err := os.MkdirAll(d, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
		fmt.Fprintf(w, "  directory %s\n", d)
	}

	// 3. Everything else; opening the catalog applies its migrations.
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintf(w, "  catalog %s: OK\n", cfg.Catalog.Path)
	if a.migrate != nil {
		fmt.Fprintf(w, "  migrate catalog %s: OK\n", cfg.Catalog.MigratePath)
	}

	if err := a.swarm.Ping(ctx); err != nil {
		fmt.Fprintf(w, "  swarm: FAILED (%v)\n", err)
		return err
	}
	fmt.Fprintf(w, "  swarm: OK\n")

	if _, err := a.blob.List(ctx, a.layout.Prefix+"/"); err != nil {
		fmt.Fprintf(w, "  bucket %s: FAILED (%v)\n", cfg.Backup.Bucket, err)
		return err
	}
	fmt.Fprintf(w, "  bucket %s: OK\n", cfg.Backup.Bucket)

	for _, kind := range a.adapters.Kinds() {
		fmt.Fprintf(w, "  engine %s: %s\n", kind, cfg.Engines[string(kind)].Image)
	}

	fmt.Fprintf(w, "\nmydb initialized successfully.\n")
	return nil
}
