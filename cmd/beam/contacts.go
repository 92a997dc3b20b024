package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnipost/beam/internal/contact"
	"github.com/omnipost/beam/internal/db"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage the contact store",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import contacts from a JSON file",
	Long:  `Import contacts from a JSON array. Existing contacts with the same id are replaced.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runContactsImport,
}

func init() {
	contactsCmd.AddCommand(contactsImportCmd)
	rootCmd.AddCommand(contactsCmd)
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read contacts file: %w", err)
	}
	var list []*contact.Contact
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse contacts file: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		return err
	}

	store := contact.NewSQLiteStore(database.DB)
	ctx := context.Background()
	imported := 0
	for _, c := range list {
		if c.ID == "" || c.WorkspaceID == "" {
			return fmt.Errorf("contact %d: id and workspace_id are required", imported)
		}
		if err := store.Upsert(ctx, c); err != nil {
			return fmt.Errorf("failed to import contact %s: %w", c.ID, err)
		}
		imported++
	}

	fmt.Printf("Imported %d contacts into %s\n", imported, cfg.Database.Path)
	return nil
}
