package main

import (
	"fmt"

	zarr "github.com/go2scope/zarr-go"
	"github.com/spf13/cobra"
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "read and write array metadata",
}

var metaSetCmd = &cobra.Command{
	Use:   "set <path> <key> <value>",
	Short: "store a metadata value",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArray(args[0], zarr.ModeReadWrite, func(a *zarr.Array) error {
			return a.SetMetadata(args[1], args[2])
		})
	},
}

var metaGetCmd = &cobra.Command{
	Use:   "get <path> <key>",
	Short: "print a metadata value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArray(args[0], zarr.ModeRead, func(a *zarr.Array) error {
			v, err := a.GetMetadata(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

var metaListCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "print every metadata key and value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArray(args[0], zarr.ModeRead, func(a *zarr.Array) error {
			keys, err := a.ListMetadataKeys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				v, err := a.GetMetadata(k)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
			return nil
		})
	},
}

var metaDeleteCmd = &cobra.Command{
	Use:   "delete <path> <key>",
	Short: "remove a metadata key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArray(args[0], zarr.ModeReadWrite, func(a *zarr.Array) error {
			return a.DeleteMetadata(args[1])
		})
	},
}

func init() {
	metaCmd.AddCommand(metaSetCmd, metaGetCmd, metaListCmd, metaDeleteCmd)
}

func withArray(path string, mode zarr.PersistenceMode, fn func(a *zarr.Array) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	a, err := zarr.Open(store, path, mode, arrayOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
