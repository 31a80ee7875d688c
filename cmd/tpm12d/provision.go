package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	vfs "github.com/twpayne/go-vfs"

	"github.com/chrisfenner/tpm12direct/engine"
	"github.com/chrisfenner/tpm12direct/server"
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// findInstance returns the configured instance called name, or the first
// one if name is empty.
func findInstance(cfg *Config, name string) (*server.InstanceConfig, error) {
	if name == "" {
		return &cfg.Instances[0], nil
	}
	for i := range cfg.Instances {
		if cfg.Instances[i].Name == name {
			return &cfg.Instances[i], nil
		}
	}
	return nil, fmt.Errorf("no instance named %q", name)
}

// provision writes the permanent data of a freshly owned TPM to the state
// file of ic. The SRK uses the well-known (all zero) authorization value.
func provision(fs vfs.FS, cfg *Config, ic *server.InstanceConfig, ownerAuth tpm12.Secret, srkBits int, force bool) error {
	if ic.StatePath == "" {
		return fmt.Errorf("instance %q has no state path", ic.Name)
	}
	store, err := server.NewFileStore(fs, ic.StatePath)
	if err != nil {
		return err
	}
	if old, err := store.Load(); err != nil {
		return err
	} else if old != nil && !force {
		return fmt.Errorf("%s already holds a provisioned TPM; use --force to replace it", ic.StatePath)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	srk, err := rsa.GenerateKey(rand.Reader, srkBits)
	if err != nil {
		return fmt.Errorf("generating SRK: %w", err)
	}
	e, err := engine.New(engine.Config{Name: ic.Name, NV: store, Logger: logger})
	if err != nil {
		return err
	}
	return e.Provision(ownerAuth, engine.NewStorageKey(srk, tpm12.Secret{}))
}

func NewProvisionCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "provision",
		Args:  cobra.ExactArgs(0),
		Short: "Take ownership of an instance and create its SRK",
		Long: "Creates the permanent data of an owned TPM in the instance's state file. " +
			"The owner authorization value is the SHA-1 of --owner-password, or random " +
			"(and printed) when no password is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig(viper.GetViper())
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("instance")
			ic, err := findInstance(cfg, name)
			if err != nil {
				return err
			}
			var ownerAuth tpm12.Secret
			password, _ := cmd.Flags().GetString("owner-password")
			if password != "" {
				ownerAuth = tpm12.SHA1([]byte(password)).Secret()
			} else if _, err := rand.Read(ownerAuth[:]); err != nil {
				return err
			}
			bits, _ := cmd.Flags().GetInt("srk-bits")
			force, _ := cmd.Flags().GetBool("force")
			if err := provision(vfs.OSFS, cfg, ic, ownerAuth, bits, force); err != nil {
				return err
			}
			if password == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "owner auth: %s\n", hex.EncodeToString(ownerAuth[:]))
			}
			return nil
		},
	}
	root.AddCommand(c)
	c.Flags().String("instance", "", "Instance to provision (default the first configured)")
	c.Flags().String("owner-password", "", "Owner password")
	c.Flags().Int("srk-bits", 2048, "SRK modulus size")
	c.Flags().Bool("force", false, "Replace existing state")
	return c
}

var _ = NewProvisionCmd(rootCmd)
