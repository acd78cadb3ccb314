package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

type eventsOptions struct {
	dbPath    string
	eventID   int64
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func newEventsCmd() *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the audit event tree of the latest relay process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dbPath == "" {
				opts.dbPath = os.Getenv("RELAY_DB_PATH")
			}
			return runEvents(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default $RELAY_DB_PATH)")
	cmd.Flags().Int64Var(&opts.eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	return cmd
}

func runEvents(w io.Writer, opts eventsOptions) error {
	if opts.dbPath == "" {
		return fmt.Errorf("no database: pass --db or set RELAY_DB_PATH")
	}
	database, err := db.OpenReadOnly(opts.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	rootID := opts.eventID
	if rootID == 0 {
		rootID, err = db.LatestProcessRoot(database)
		if err != nil {
			return fmt.Errorf("find process root: %w", err)
		}
	}

	events, err := db.QuerySubtree(database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := db.BuildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	treeOpts := db.TreeOptions{MaxDepth: opts.maxDepth, NoPayload: opts.noPayload}
	if opts.jsonOut {
		return db.WriteJSON(w, root, treeOpts)
	}
	db.WriteTree(w, root, treeOpts)
	return nil
}
