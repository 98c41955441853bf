package main

import (
	"fmt"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"github.com/spf13/cobra"
)

var contactRelation string

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsAddCmd)
	contactsCmd.AddCommand(contactsRemoveCmd)

	contactsAddCmd.Flags().StringVar(&contactRelation, "relation", "", "relation to the contact (e.g. spouse)")
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage emergency contacts",
}

func openSettings() (*haven.BoltStorage, *haven.SettingsStore) {
	store := openStorage()
	settings := haven.NewSettingsStore(store, newLogger(false))
	settings.Init()
	return store, settings
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved emergency contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, settings := openSettings()
		defer store.Close()

		contacts := settings.Contacts()
		if len(contacts) == 0 {
			fmt.Println("No emergency contacts saved.")
			return nil
		}
		for _, c := range contacts {
			relation := ""
			if c.Relation != "" {
				relation = "  (" + c.Relation + ")"
			}
			fmt.Printf("%s  %s  %s%s\n", c.ID, c.Name, c.Phone, relation)
		}
		return nil
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <name> <phone>",
	Short: "Save an emergency contact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, settings := openSettings()
		defer store.Close()

		c, err := settings.AddContact(args[0], args[1], contactRelation)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", c.Name, c.ID)
		return nil
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an emergency contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, settings := openSettings()
		defer store.Close()

		settings.RemoveContact(args[0])
		fmt.Println("Removed.")
		return nil
	},
}
