package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	sim "github.com/chrisfenner/go-tpm-sim"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chrisfenner/tpm12direct/client"
)

// simConfig builds a simulator client config from listen addresses.
func simConfig(tpmAddr, platformAddr string) (sim.TcpConfig, error) {
	host, tpmPort, err := net.SplitHostPort(tpmAddr)
	if err != nil {
		return sim.TcpConfig{}, err
	}
	_, platformPort, err := net.SplitHostPort(platformAddr)
	if err != nil {
		return sim.TcpConfig{}, err
	}
	config := sim.TcpConfig{Address: host}
	if config.TPMPort, err = strconv.Atoi(tpmPort); err != nil {
		return sim.TcpConfig{}, fmt.Errorf("TPM port: %w", err)
	}
	if config.PlatformPort, err = strconv.Atoi(platformPort); err != nil {
		return sim.TcpConfig{}, fmt.Errorf("platform port: %w", err)
	}
	return config, nil
}

func NewGetRandomCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "getrandom <bytes>",
		Args:  cobra.ExactArgs(1),
		Short: "Read random bytes from a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return err
			}
			cfg, err := readConfig(viper.GetViper())
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("instance")
			ic, err := findInstance(cfg, name)
			if err != nil {
				return err
			}
			config, err := simConfig(ic.TPMAddress, ic.PlatformAddress)
			if err != nil {
				return err
			}
			tpm, err := client.Open(func() (client.Transport, error) {
				return client.DialSimulator(config)
			})
			if err != nil {
				return err
			}
			defer tpm.Close()
			b, err := tpm.GetRandom(uint32(n))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
			return nil
		},
	}
	root.AddCommand(c)
	c.Flags().String("instance", "", "Instance to query (default the first configured)")
	return c
}

var _ = NewGetRandomCmd(rootCmd)
