package db

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/util/command"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newSeed generates a local development signing group with trusted dealer
// shares and writes it to the configured groups file. Share secrets are
// printed once so dev clients can sign; production groups come from a real
// DKG ceremony, never from this command.
func newSeed() *cobra.Command {
	var threshold, total int
	var signersFile string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generates a development signing group and writes the groups file",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()
			command.ConfigureLogger(cfg)

			if err := seedGroup(cfg, threshold, total, signersFile); err != nil {
				log.Fatal().Err(err).Msg("Failed to seed development group")
			}
		},
	}

	cmd.Flags().IntVar(&threshold, "threshold", 2, "signing threshold k")
	cmd.Flags().IntVar(&total, "participants", 3, "total participants n")
	cmd.Flags().StringVar(&signersFile, "signers-file", "", "also write secret shares to this file for the dev test client")
	return cmd
}

func seedGroup(cfg config.Server, threshold, total int, signersFile string) error {
	group, shares, err := frost.DealShares(threshold, total)
	if err != nil {
		return err
	}

	participants := make(map[string]string, total)
	for _, share := range shares {
		id := fmt.Sprintf("participant-%d", share.Index)
		participants[id] = hex.EncodeToString(group.ParticipantKeys[share.Index])
		// 份额仅打印一次，协调器永不存储
		fmt.Printf("%s secret share: %s\n", id, hex.EncodeToString(share.Secret))
	}

	groups := map[string]interface{}{
		"groups": map[string]identity.GroupConfig{
			"dev-group": {
				PublicKey:    hex.EncodeToString(group.PublicKey),
				Participants: participants,
				Policy: identity.PolicyConfig{
					Mode: "disabled",
				},
			},
		},
	}

	payload, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Signing.GroupsFile, payload, 0o600); err != nil {
		return err
	}

	if signersFile != "" {
		secrets := make(map[string]string, total)
		for _, share := range shares {
			secrets[fmt.Sprintf("participant-%d", share.Index)] = hex.EncodeToString(share.Secret)
		}
		signers, err := json.MarshalIndent(map[string]interface{}{"group_id": "dev-group", "shares": secrets}, "", "  ")
		if err != nil {
			return err
		}
		// 开发专用：真实份额绝不集中落盘
		if err := os.WriteFile(signersFile, signers, 0o600); err != nil {
			return err
		}
		log.Info().Str("path", signersFile).Msg("Development signer shares written")
	}

	log.Info().
		Str("path", cfg.Signing.GroupsFile).
		Int("threshold", threshold).
		Int("participants", total).
		Msg("Development group written")
	return nil
}
