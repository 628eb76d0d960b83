package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nkbai/easyfs/fuseadapter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMountCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the EasyFS image over FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			efs, closeFn, err := openExisting(v)
			if err != nil {
				return err
			}
			defer closeFn()

			sessionID := uuid.New().String()
			log := logrus.WithFields(logrus.Fields{
				"mountpoint": args[0],
				"session_id": sessionID,
			})

			server := fuseutil.NewFileSystemServer(fuseadapter.New(efs))
			mfs, err := fuse.Mount(args[0], server, &fuse.MountConfig{
				FSName:      "easyfs",
				ReadOnly:    false,
				ErrorLogger: nil,
			})
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			log.Info("easyfs: mounted")

			if err := mfs.Join(context.Background()); err != nil {
				return fmt.Errorf("joining mount: %w", err)
			}
			log.Info("easyfs: unmounted")
			return nil
		},
	}
}
