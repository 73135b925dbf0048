package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secrets and password hashes",
	Long:  `Generate token secrets and bcrypt password hashes for Bosun configuration`,
}

var generateSecretCmd = &cobra.Command{
	Use:   "token-secret",
	Short: "Generate a secure token signing secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		secret := base64.RawURLEncoding.EncodeToString(buf)

		fmt.Printf("Generated token secret:\n%s\n\n", secret)
		fmt.Printf("Add this to your bosun.toml configuration:\n")
		fmt.Printf("[auth]\n")
		fmt.Printf("token_secret = %q\n", secret)
		return nil
	},
}

var generateHashCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Generate a bcrypt hash of a password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt("cost")
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.AddCommand(generateSecretCmd)
	generateCmd.AddCommand(generateHashCmd)

	generateHashCmd.Flags().IntP("cost", "c", bcrypt.DefaultCost, "bcrypt cost factor")
}
