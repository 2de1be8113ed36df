package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/ledgerpool/pool"
)

func newCreateCmd(v *viper.Viper) *cobra.Command {
	var genesisPath string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Store the node list of a genesis file under name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				var lc *pool.LedgerConfig
				if genesisPath != "" {
					lc = &pool.LedgerConfig{GenesisTxn: genesisPath}
				}
				if err := a.client.Create(ctx, args[0], lc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pool %s created\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&genesisPath, "genesis", "", "genesis transaction file (default <name>.txn)")
	return cmd
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored pool config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				if err := a.client.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pool %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored pool configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				names, err := a.client.ListPoolConfigs()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newSubmitCmd(v *viper.Viper) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit <name> [request-json]",
		Short: "Submit a request and print the reply the pool agreed on",
		Long:  "Submit a request and print the reply the pool agreed on. The request is read from the argument, from --file, or from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				return withPool(ctx, a, args[0], func(h pool.PoolHandle) error {
					reply, err := a.client.Submit(ctx, h, payload)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), reply)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the request from a file ('-' for stdin)")
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Open a pool and print the state of every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, cmd, func(ctx context.Context, a *app) error {
				return withPool(ctx, a, args[0], func(h pool.PoolHandle) error {
					st, err := a.client.PoolStatus(ctx, h)
					if err != nil {
						return err
					}
					data, err := json.Marshal(st)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), data)
				})
			})
		},
	}
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 2:
		return []byte(args[1]), nil
	case file == "" || file == "-":
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(file)
	}
}

func printJSON(w io.Writer, data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
