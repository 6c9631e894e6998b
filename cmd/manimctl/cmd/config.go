package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/manim-studio/pkg/auth"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect client configuration",
	Long:  `Commands for inspecting the effective configuration and preparing config values.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, .env files,
environment variables and flags. Secrets are not printed.`,
	RunE: runConfigShow,
}

var configHashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash a status view token for the config file",
	Long: `Hash a bearer token for status_token_hash. Without an argument a random token
is generated and printed alongside its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashToken,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashTokenCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	cfg.APIKey = ""
	cfg.StatusTokenHash = ""

	if done, err := writeStructured(cmd.OutOrStdout(), cfg); done {
		return err
	}

	// table output prints the YAML form
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to format config: %w", err)
	}
	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", file)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runConfigHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		generated, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		token = generated
	}

	hash, err := auth.HashToken(token, 0)
	if err != nil {
		return err
	}

	result := map[string]string{"status_token_hash": hash}
	if len(args) == 0 {
		result["token"] = token
	}
	if done, err := writeStructured(cmd.OutOrStdout(), result); done {
		return err
	}
	if len(args) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "token: %s\n", token)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "status_token_hash: %s\n", hash)
	return nil
}
