package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omnipost/beam/internal/auth"
	"github.com/omnipost/beam/internal/db"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Issue a new API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued API keys",
	RunE:  runAPIKeyList,
}

var apikeyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyDelete,
}

func init() {
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyDeleteCmd)
}

func openKeyStore() (*auth.KeyStore, *db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return auth.NewKeyStore(database.DB), database, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	keys, database, err := openKeyStore()
	if err != nil {
		return err
	}
	defer database.Close()

	k, plaintext, err := keys.Create(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("API key created\n")
	fmt.Printf("  ID:   %s\n", k.ID)
	fmt.Printf("  Name: %s\n", k.Name)
	fmt.Printf("  Key:  %s\n", plaintext)
	fmt.Printf("The key is shown once and cannot be recovered.\n")
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	keys, database, err := openKeyStore()
	if err != nil {
		return err
	}
	defer database.Close()

	list, err := keys.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No API keys issued; the API accepts unauthenticated requests.")
		return nil
	}
	for _, k := range list {
		fmt.Printf("%s  %s  %s\n", k.ID, k.CreatedAt.Format("2006-01-02 15:04"), k.Name)
	}
	return nil
}

func runAPIKeyDelete(cmd *cobra.Command, args []string) error {
	keys, database, err := openKeyStore()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := keys.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("API key %s revoked\n", args[0])
	return nil
}
