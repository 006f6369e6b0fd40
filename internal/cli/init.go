package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/store"
	"github.com/ppiankov/trackwatch/internal/trackerdb"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default: ~/.trackwatch)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and tracker table",
	Long: `Creates the config directory with a commented config.yaml and a
trackers.yaml holding the built-in tracker table, ready to edit.

Existing files are kept unless --force is given.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = store.DefaultDir()
	}

	var created []string

	configFile := filepath.Join(dir, "config.yaml")
	if wrote, err := writeIfMissing(configFile, config.DefaultConfigYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, configFile)
	}

	trackersFile := filepath.Join(dir, "trackers.yaml")
	table, err := trackerdb.DefaultYAML()
	if err != nil {
		return fmt.Errorf("generate tracker table: %w", err)
	}
	if wrote, err := writeIfMissing(trackersFile, table); err != nil {
		return err
	} else if wrote {
		created = append(created, trackersFile)
	}

	fmt.Println("trackwatch init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
	}
	fmt.Println()
	fmt.Println("Point the config at the tracker table:")
	fmt.Printf("  trackers_path: %s\n", trackersFile)
	fmt.Println()
	fmt.Println("Start the engine:")
	fmt.Printf("  trackwatch serve --config %s\n", configFile)
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
