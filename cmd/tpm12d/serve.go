package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	vfs "github.com/twpayne/go-vfs"

	"github.com/chrisfenner/tpm12direct/server"
)

func NewServeCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Args:  cobra.ExactArgs(0),
		Short: "Serve the configured TPM instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			srv := server.New(vfs.OSFS, logger)
			defer srv.Close()
			stopped := make(chan *server.Instance, len(cfg.Instances))
			for _, ic := range cfg.Instances {
				inst, err := srv.Start(ic)
				if err != nil {
					return err
				}
				go func() {
					<-inst.Done()
					stopped <- inst
				}()
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			for running := len(cfg.Instances); running > 0; running-- {
				select {
				case sig := <-sigs:
					logger.WithField("signal", sig.String()).Info("shutting down")
					return srv.Close()
				case inst := <-stopped:
					logger.WithField("id", inst.ID.String()).Info("instance stopped by client")
				}
			}
			return nil
		},
	}
	root.AddCommand(c)
	return c
}

var _ = NewServeCmd(rootCmd)
