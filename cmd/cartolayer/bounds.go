package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/bounds"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/httpclient"
)

type boundsFlags struct {
	endpoint string
	timeout  time.Duration
}

func (bf *boundsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&bf.endpoint, "sql-endpoint", "", "SQL API origin overriding scheme://account.domain")
	cmd.Flags().DurationVar(&bf.timeout, "timeout", 10*time.Second, "SQL API timeout")
}

func (bf *boundsFlags) fetcher(flags *layerFlags, cmd *cobra.Command) *bounds.Fetcher {
	f := bounds.NewFetcher(flags.logger(cmd.ErrOrStderr(), "bounds"),
		httpclient.NewOutbound(bf.timeout), flags.scheme, flags.domain)
	if bf.endpoint != "" {
		f = f.WithEndpoint(bf.endpoint)
	}
	return f
}

func newBoundsCmd(flags *layerFlags) *cobra.Command {
	bf := &boundsFlags{}
	cmd := &cobra.Command{
		Use:   "bounds",
		Short: "Fetch the clamped extent of the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := flags.spec(cmd)
			if err != nil {
				return err
			}
			b, err := bf.fetcher(flags, cmd).Extent(cmd.Context(), s.UserName, s.TableName)
			if err != nil {
				return fmt.Errorf("bounds of %s: %w", s.TableName, err)
			}
			out, _ := json.Marshal([4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()})
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	bf.register(cmd)
	return cmd
}
