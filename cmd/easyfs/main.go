// Command easyfs is the CLI entry point for EasyFS: a userspace syscall
// dispatcher exposing filesystem operations as ordinary subcommands over
// an image file, with an optional FUSE mount.
package main

import (
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/nkbai/easyfs"
	"github.com/nkbai/easyfs/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "easyfs",
		Short: "Inspect and mount EasyFS disk images",
	}
	pf := pflag.NewFlagSet("easyfs", pflag.ExitOnError)
	config.BindFlags(pf, v)
	root.PersistentFlags().AddFlagSet(pf)

	root.AddCommand(
		newMkfsCmd(v),
		newInfoCmd(v),
		newLsCmd(v),
		newCatCmd(v),
		newTouchCmd(v),
		newLnCmd(v),
		newRmCmd(v),
		newStatCmd(v),
		newMountCmd(v),
	)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("easyfs: command failed")
		os.Exit(1)
	}
}

func openExisting(v *viper.Viper) (*easyfs.EFS, func(), error) {
	cfg := config.Load(v)
	if cfg.Device == "" {
		return nil, nil, fmt.Errorf("--device is required")
	}
	if _, err := os.Stat(cfg.Device); cfg.FormatOnMissing && os.IsNotExist(err) {
		dev, err := easyfs.CreateFileBlockDevice(cfg.Device, uint64(cfg.TotalBlocks))
		if err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", cfg.Device, err)
		}
		efs := easyfs.Create(dev, cfg.TotalBlocks, cfg.InodeBitmapBlocks, easyfs.WithCacheLimit(cfg.CacheLimit))
		return efs, func() { efs.Sync(); dev.Close() }, nil
	}
	dev, err := easyfs.OpenFileBlockDevice(cfg.Device)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	efs, err := easyfs.Open(dev, easyfs.WithCacheLimit(cfg.CacheLimit))
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("mount %s: %w", cfg.Device, err)
	}
	return efs, func() { efs.Sync(); dev.Close() }, nil
}

func newMkfsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "Format a new EasyFS image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			if cfg.Device == "" {
				return fmt.Errorf("--device is required")
			}
			// Format entirely in memory first, then install the finished
			// image atomically: a reader opening cfg.Device never observes
			// a partially formatted file.
			dev := easyfs.NewMemBlockDevice(uint64(cfg.TotalBlocks))
			efs := easyfs.Create(dev, cfg.TotalBlocks, cfg.InodeBitmapBlocks, easyfs.WithCacheLimit(cfg.CacheLimit))
			efs.Sync()

			if err := renameio.WriteFile(cfg.Device, dev.Bytes(), 0644); err != nil {
				return fmt.Errorf("install %s: %w", cfg.Device, err)
			}
			fmt.Printf("formatted %s: %d blocks\n", cfg.Device, cfg.TotalBlocks)
			return nil
		},
	}
}

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show superblock layout of an EasyFS image",
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			sb := efs.Info()
			fmt.Printf("EasyFS Image Information\n")
			fmt.Printf("=========================\n")
			fmt.Printf("Total blocks:        %d\n", sb.TotalBlocks)
			fmt.Printf("Inode bitmap blocks: %d\n", sb.InodeBitmapBlocks)
			fmt.Printf("Inode area blocks:   %d\n", sb.InodeAreaBlocks)
			fmt.Printf("Data bitmap blocks:  %d\n", sb.DataBitmapBlocks)
			fmt.Printf("Data area blocks:    %d\n", sb.DataAreaBlocks)
			return nil
		},
	}
}

func newLsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the root directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			for _, name := range efs.RootInode().Ls() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newCatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "Print a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			ino, ok := efs.RootInode().Find(args[0])
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			_, err = os.Stdout.Write(ino.ReadAll())
			return err
		},
	}
}

func newTouchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "touch <name>",
		Short: "Create an empty file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			if _, ok := efs.RootInode().Create(args[0]); !ok {
				return fmt.Errorf("%s: already exists", args[0])
			}
			return nil
		},
	}
}

func newLnCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ln <old> <new>",
		Short: "Add a hard link to an existing file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			root := efs.RootInode()
			target, ok := root.Find(args[0])
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			root.Link(args[1], target)
			return nil
		},
	}
}

func newRmCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a directory entry, freeing its inode's data once unreferenced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			if !efs.RootInode().Unlink(args[0]) {
				return fmt.Errorf("%s: not found", args[0])
			}
			return nil
		},
	}
}

func newStatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <name>",
		Short: "Show an inode's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()
			ino, ok := efs.RootInode().Find(args[0])
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			st := ino.Stat()
			fmt.Printf("inode:  %d\n", st.Ino)
			fmt.Printf("mode:   %s\n", easyfs.StatMode(st.Mode))
			fmt.Printf("nlink:  %d\n", st.Nlink)
			return nil
		},
	}
}
