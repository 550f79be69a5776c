package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/policy"
)

var (
	initForce   bool
	initProject bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default settings and a starter policy file",
	Long: `Initialize writes settings.yaml with the default settings and
policies/rules.toml with commented example rules. The built-in policy is
always loaded and is not written out.

The files are written to ~/.config/warden/ (or the directory named by the
WARDEN_CONFIG environment variable). With --project they are written to
.warden/ in the current directory instead.

Existing files are kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	initCmd.Flags().BoolVar(&initProject, "project", false, "Write project files in .warden/ instead")
}

func runInit(cmd *cobra.Command, args []string) error {
	var dir string
	if initProject {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = config.ProjectDir(cwd)
	} else {
		configDir, err := config.GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to get config directory: %w", err)
		}
		dir = configDir
	}

	files := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, constants.SettingsFileName), config.GetDefaultSettings()},
		{filepath.Join(dir, constants.PolicyDirName, constants.ExamplePolicyFile), policy.ExamplePolicy()},
	}

	out := cmd.OutOrStdout()
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil && !initForce {
			fmt.Fprintf(out, "Exists: %s (use --force to overwrite)\n", f.path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.path), constants.DirMode); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(f.path, f.data, constants.FileMode); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "Wrote: %s\n", f.path)
	}
	fmt.Fprintln(out, "Run 'warden validate' to verify your configuration.")
	return nil
}
