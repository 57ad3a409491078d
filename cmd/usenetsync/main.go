package main

import (
	"fmt"
	"os"

	"github.com/contemptx/usenetsync-sub001/internal/app"
	"github.com/contemptx/usenetsync-sub001/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// app.Close(). operation identifies the CLI command being run.
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "usenetsync",
	Short: "Synchronize file trees over a store-and-forward message transport",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Store:     %s\n", cfg.Store.Type)
		fmt.Printf("Transport: %s\n", cfg.Transport.Type)
		fmt.Printf("Security:  %s\n", cfg.Security.Type)
		return nil
	},
}

// folder command
var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage tracked folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Track a local directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "folder-add")
		if err != nil {
			return err
		}
		defer a.Close()

		folder, err := a.Service().AddFolder(args[0], args[1])
		if err != nil {
			return fmt.Errorf("tracking folder: %w", err)
		}

		fmt.Printf("Tracking %s as %q\n", folder.Path, folder.Name)
		fmt.Printf("Folder ID: %s\n", folder.ID)
		return nil
	},
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "folder-list")
		if err != nil {
			return err
		}
		defer a.Close()

		folders, err := a.Service().Folders()
		if err != nil {
			return err
		}

		if len(folders) == 0 {
			fmt.Println("No folders tracked.")
			return nil
		}
		for _, f := range folders {
			fmt.Printf("%s  v%-4d  %-20s  %s\n", f.ID, f.CurrentVersion, f.Name, f.Path)
		}
		return nil
	},
}

// index command
var indexCmd = &cobra.Command{
	Use:   "index FOLDER_ID",
	Short: "Scan a folder and record a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "index")
		if err != nil {
			return err
		}
		defer a.Close()

		fv, err := a.Service().IndexFolder(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("indexing: %w", err)
		}
		if fv == nil {
			fmt.Println("No changes since the last index.")
			return nil
		}

		fmt.Printf("Recorded version %d: %d added, %d modified, %d deleted (%d files, %d bytes)\n",
			fv.Version, fv.FilesAdded, fv.FilesModified, fv.FilesDeleted, fv.FileCount, fv.TotalSize)
		return nil
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload FOLDER_ID",
	Short: "Post pending segments to the transport",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "upload")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Service().UploadPending(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("uploading: %w", err)
		}

		if report.SegmentsPosted == 0 {
			fmt.Println("Nothing to upload.")
			return nil
		}
		fmt.Printf("Posted %d segment(s) in %d pack(s), %d bytes\n",
			report.SegmentsPosted, report.PacksPosted, report.BytesPosted)
		return nil
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish FOLDER_ID",
	Short: "Publish the current version's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "publish")
		if err != nil {
			return err
		}
		defer a.Close()

		record, err := a.Service().PublishManifest(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}

		fmt.Printf("Manifest for version %d published at %s\n", record.Version, record.Locator)
		return nil
	},
}

// share command
var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage share tokens",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create FOLDER_ID",
	Short: "Mint a share token for the current published version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shareType, _ := cmd.Flags().GetString("type")
		metadata, _ := cmd.Flags().GetString("metadata")

		a, err := newApp(cmd, "share-create")
		if err != nil {
			return err
		}
		defer a.Close()

		share, err := a.Service().CreateShare(args[0], shareType, metadata)
		if err != nil {
			return fmt.Errorf("creating share: %w", err)
		}

		fmt.Printf("Share token for version %d:\n%s\n", share.Version, share.Token)
		return nil
	},
}

var shareListCmd = &cobra.Command{
	Use:   "list FOLDER_ID",
	Short: "List a folder's shares",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "share-list")
		if err != nil {
			return err
		}
		defer a.Close()

		shares, err := a.Service().Shares(args[0])
		if err != nil {
			return err
		}

		if len(shares) == 0 {
			fmt.Println("No shares.")
			return nil
		}
		for _, s := range shares {
			fmt.Printf("%s  v%-4d  %-6s  %s\n",
				s.Token, s.Version, s.ShareType, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download TOKEN",
	Short: "Restore a shared folder version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		sessionID, _ := cmd.Flags().GetString("session")

		a, err := newApp(cmd, "download")
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := a.Service().Download(cmd.Context(), args[0], target, sessionID)
		if err != nil {
			return fmt.Errorf("downloading: %w", err)
		}

		if !outcome.Succeeded() {
			fmt.Printf("Download incomplete: %d of %d segment(s) restored, %d failed.\n",
				outcome.Progress.Complete, outcome.Progress.Total(), outcome.Progress.Failed)
			fmt.Printf("Resume with: usenetsync download %s --target %s --session %s\n",
				args[0], target, outcome.SessionID)
			return fmt.Errorf("%d segment(s) failed", outcome.Progress.Failed)
		}

		fmt.Printf("Restored %d segment(s) into %s\n", outcome.Progress.Complete, target)
		return nil
	},
}

// sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List transfer sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "sessions")
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.Service().Sessions()
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No transfer sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %-9s  %5d segment(s)  %s  %s\n",
				s.ID, s.Status, s.TotalSegments,
				s.CreatedAt.Format("2006-01-02 15:04:05"), s.Target)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status SESSION_ID",
	Short: "Show one session's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "status")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Service().Status(args[0])
		if err != nil {
			return err
		}

		p := status.Progress
		fmt.Printf("Session %s (%s) into %s\n", status.Session.ID, status.Session.Status, status.Session.Target)
		fmt.Printf("  complete:    %d\n", p.Complete)
		fmt.Printf("  in progress: %d\n", p.InProgress)
		fmt.Printf("  pending:     %d\n", p.Pending)
		fmt.Printf("  failed:      %d\n", p.Failed)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history FOLDER_ID",
	Short: "View a folder's version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.Service().History(args[0])
		if err != nil {
			return err
		}

		if len(versions) == 0 {
			fmt.Println("No versions recorded.")
			return nil
		}
		for _, v := range versions {
			fmt.Printf("v%-4d  %s  +%d ~%d -%d  (%d files, %d bytes)\n",
				v.Version, v.CreatedAt.Format("2006-01-02 15:04:05"),
				v.FilesAdded, v.FilesModified, v.FilesDeleted,
				v.FileCount, v.TotalSize)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderListCmd)

	shareCmd.AddCommand(shareCreateCmd)
	shareCmd.AddCommand(shareListCmd)
	shareCreateCmd.Flags().StringP("type", "t", "full", "Share type")
	shareCreateCmd.Flags().StringP("metadata", "m", "", "Opaque metadata attached to the share")

	downloadCmd.Flags().StringP("target", "o", ".", "Directory to restore into")
	downloadCmd.Flags().StringP("session", "s", "", "Session ID to resume")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}
