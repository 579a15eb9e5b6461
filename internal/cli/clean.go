package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/runner"
)

var (
	cleanForce      bool
	cleanSessions   bool
	cleanResults    bool
	cleanContainers bool
	cleanAll        bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up session directories, results, and stale containers",
	Long: `Remove session directories created by 'gauntlet run', batch results,
and sandbox containers left behind by interrupted runs or --keep-sandbox.

By default, shows what would be deleted and asks for confirmation.
Use --force to skip confirmation.

Examples:
  gauntlet clean                  # Interactive cleanup of sessions
  gauntlet clean --sessions       # Clean only session directories
  gauntlet clean --results        # Clean only batch results
  gauntlet clean --containers     # Remove stale sandbox containers
  gauntlet clean --all            # Clean everything
  gauntlet clean --force          # Skip confirmation prompts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to sessions if no specific flag is set
		if !cleanSessions && !cleanResults && !cleanContainers && !cleanAll {
			cleanSessions = true
		}

		if cleanAll {
			cleanSessions = true
			cleanResults = true
			cleanContainers = true
		}

		var toDelete []string

		if cleanSessions {
			if info, err := os.Stat(cfg.Harness.SessionDir); err == nil && info.IsDir() {
				toDelete = append(toDelete, cfg.Harness.SessionDir)
			}
		}

		if cleanResults {
			if info, err := os.Stat(cfg.Harness.ResultsDir); err == nil && info.IsDir() {
				toDelete = append(toDelete, cfg.Harness.ResultsDir)
			}
		}

		// Stale sandbox containers carry the owner label, so only ours
		// are ever listed.
		var stale []container.Summary
		var docker *runner.DockerClient
		if cleanContainers {
			var err error
			docker, err = runner.NewDockerClient()
			if err != nil {
				return fmt.Errorf("connecting to docker: %w", err)
			}
			defer func() { _ = docker.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			stale, err = docker.OwnedContainers(ctx)
			if err != nil {
				return fmt.Errorf("listing containers: %w", err)
			}
		}

		if len(toDelete) == 0 && len(stale) == 0 {
			fmt.Println("Nothing to clean.")
			return nil
		}

		// Show what will be deleted
		fmt.Println("The following will be deleted:")
		fmt.Println()
		for _, dir := range toDelete {
			fmt.Printf("  %s\n", dir)
		}
		for _, c := range stale {
			fmt.Printf("  container %s (task: %s)\n", containerName(c), c.Labels[runner.OwnerLabel])
		}
		fmt.Println()

		// Confirm unless --force
		if !cleanForce {
			fmt.Print("Delete these? [y/N] ")
			reader := bufio.NewReader(os.Stdin)
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "y" && response != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		// Delete directories
		deleted := 0
		for _, dir := range toDelete {
			if err := os.RemoveAll(dir); err != nil {
				fmt.Printf("  Failed to delete %s: %v\n", dir, err)
			} else {
				fmt.Printf("  Deleted %s\n", dir)
				deleted++
			}
		}

		// Remove containers
		for _, c := range stale {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := docker.RemoveContainer(ctx, c.ID, true)
			cancel()
			if err != nil {
				fmt.Printf("  Failed to remove container %s: %v\n", containerName(c), err)
			} else {
				fmt.Printf("  Removed container %s\n", containerName(c))
				deleted++
			}
		}

		fmt.Printf("\nCleaned up %d items.\n", deleted)
		return nil
	},
}

// containerName returns a human-friendly name for a container summary.
func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "skip confirmation prompts")
	cleanCmd.Flags().BoolVar(&cleanSessions, "sessions", false, "clean session directories")
	cleanCmd.Flags().BoolVar(&cleanResults, "results", false, "clean batch results")
	cleanCmd.Flags().BoolVar(&cleanContainers, "containers", false, "remove stale sandbox containers")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "clean everything")
}
