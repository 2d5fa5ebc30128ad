package main

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/progrium/qlink-go/config"
)

type keyPair struct {
	IdentityKey string `yaml:"identity_key"`
	PublicKey   string `yaml:"public_key"`
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 identity",
		Long: `Generate an Ed25519 identity. The identity_key goes under security in
the configuration of this side; the public_key goes in the
trusted_peers list of the other side.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(keyPair{
				IdentityKey: config.EncodeKey(priv.Seed()),
				PublicKey:   config.EncodeKey(pub),
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
