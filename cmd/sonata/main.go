package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mochi-hpc/sonata/pkg/client"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/rpc"

	// Register the backend types served by the daemon.
	_ "github.com/mochi-hpc/sonata/pkg/backend/aggregator"
	_ "github.com/mochi-hpc/sonata/pkg/backend/lazy"
	_ "github.com/mochi-hpc/sonata/pkg/backend/null"
	_ "github.com/mochi-hpc/sonata/pkg/backend/scripted"
	_ "github.com/mochi-hpc/sonata/pkg/backend/vector"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sonata",
	Short: "Sonata - distributed provider-based JSON document store",
	Long: `Sonata is a distributed JSON document store. Providers host named
databases of records addressed by monotonic ids; clients store, fetch,
filter and script over them remotely.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sonata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("address", "localhost:8025", "Provider address")
	rootCmd.PersistentFlags().Uint16("provider-id", 0, "Provider id")
	rootCmd.PersistentFlags().String("token", "", "Admin security token")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(collCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(execCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// target reads the provider coordinates shared by every client verb.
func target(cmd *cobra.Command) (address string, providerID uint16, token string) {
	address, _ = cmd.Flags().GetString("address")
	providerID, _ = cmd.Flags().GetUint16("provider-id")
	token, _ = cmd.Flags().GetString("token")
	return address, providerID, token
}

func newEngine() (*rpc.GRPCEngine, error) {
	return rpc.NewGRPCEngine("")
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage databases on a provider",
}

func init() {
	createDB := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, pid, token := target(cmd)
			dbType, _ := cmd.Flags().GetString("type")
			config, _ := cmd.Flags().GetString("config")
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			admin := client.NewAdmin(engine)
			if err := admin.CreateDatabase(addr, pid, args[0], dbType, json.RawMessage(config), token); err != nil {
				return err
			}
			fmt.Printf("Database %s created\n", args[0])
			return nil
		},
	}
	createDB.Flags().String("type", "scripted", "Backend type")
	createDB.Flags().String("config", "{}", "Backend configuration (JSON)")

	attachDB := &cobra.Command{
		Use:   "attach <name>",
		Short: "Attach an existing database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, pid, token := target(cmd)
			dbType, _ := cmd.Flags().GetString("type")
			config, _ := cmd.Flags().GetString("config")
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			admin := client.NewAdmin(engine)
			if err := admin.AttachDatabase(addr, pid, args[0], dbType, json.RawMessage(config), token); err != nil {
				return err
			}
			fmt.Printf("Database %s attached\n", args[0])
			return nil
		},
	}
	attachDB.Flags().String("type", "scripted", "Backend type")
	attachDB.Flags().String("config", "{}", "Backend configuration (JSON)")

	detachDB := &cobra.Command{
		Use:   "detach <name>",
		Short: "Detach a database without destroying its storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, pid, token := target(cmd)
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := client.NewAdmin(engine).DetachDatabase(addr, pid, args[0], token); err != nil {
				return err
			}
			fmt.Printf("Database %s detached\n", args[0])
			return nil
		},
	}

	destroyDB := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Destroy a database and its storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, pid, token := target(cmd)
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := client.NewAdmin(engine).DestroyDatabase(addr, pid, args[0], token); err != nil {
				return err
			}
			fmt.Printf("Database %s destroyed\n", args[0])
			return nil
		},
	}

	listDB := &cobra.Command{
		Use:   "list",
		Short: "List the databases bound to a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, pid, token := target(cmd)
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			names, err := client.NewAdmin(engine).ListDatabases(addr, pid, token)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}

	dbCmd.AddCommand(createDB, attachDB, detachDB, destroyDB, listDB)
}

var collCmd = &cobra.Command{
	Use:   "coll",
	Short: "Manage collections of a database",
}

func init() {
	create := &cobra.Command{
		Use:   "create <db> <collection>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, args[0], func(db *client.Database) error {
				_, err := db.Create(args[1])
				return err
			})
		},
	}
	drop := &cobra.Command{
		Use:   "drop <db> <collection>",
		Short: "Drop a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, args[0], func(db *client.Database) error {
				return db.Drop(args[1])
			})
		},
	}
	exists := &cobra.Command{
		Use:   "exists <db> <collection>",
		Short: "Check whether a collection exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, args[0], func(db *client.Database) error {
				ok, err := db.Exists(args[1])
				if err != nil {
					return err
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
	collCmd.AddCommand(create, drop, exists)
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Store, fetch and query records",
}

func init() {
	store := &cobra.Command{
		Use:   "store <db> <collection> <json>",
		Short: "Store a record and print its id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			commit, _ := cmd.Flags().GetBool("commit")
			return withCollection(cmd, args[0], args[1], func(coll *client.Collection) error {
				id, err := coll.Store(args[2], commit)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	store.Flags().Bool("commit", true, "Force the record to stable storage before returning")

	fetch := &cobra.Command{
		Use:   "fetch <db> <collection> <id>",
		Short: "Fetch a record by id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[2])
			}
			return withCollection(cmd, args[0], args[1], func(coll *client.Collection) error {
				record, err := coll.Fetch(id)
				if err != nil {
					return err
				}
				fmt.Println(record)
				return nil
			})
		},
	}

	all := &cobra.Command{
		Use:   "all <db> <collection>",
		Short: "Print every live record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, args[0], args[1], func(coll *client.Collection) error {
				records, err := coll.All()
				if err != nil {
					return err
				}
				for _, record := range records {
					fmt.Println(record)
				}
				return nil
			})
		},
	}

	filter := &cobra.Command{
		Use:   "filter <db> <collection> <predicate>",
		Short: "Print the records matching a server-side predicate",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, args[0], args[1], func(coll *client.Collection) error {
				records, err := coll.Filter(args[2])
				if err != nil {
					return err
				}
				for _, record := range records {
					fmt.Println(record)
				}
				return nil
			})
		},
	}

	erase := &cobra.Command{
		Use:   "erase <db> <collection> <id>",
		Short: "Erase a record by id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[2])
			}
			return withCollection(cmd, args[0], args[1], func(coll *client.Collection) error {
				return coll.Erase(id, true)
			})
		},
	}

	recordCmd.AddCommand(store, fetch, all, filter, erase)
}

var execCmd = &cobra.Command{
	Use:   "exec <db> <code>",
	Short: "Run a script on a database and print the requested variables",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, _ := cmd.Flags().GetStringSlice("var")
		return withDatabase(cmd, args[0], func(db *client.Database) error {
			result, err := db.Execute(args[1], vars, true)
			if err != nil {
				return err
			}
			for name, value := range result {
				fmt.Printf("%s = %s\n", name, value)
			}
			return nil
		})
	},
}

func init() {
	execCmd.Flags().StringSlice("var", nil, "Variable to extract after execution (repeatable)")
}

func withDatabase(cmd *cobra.Command, name string, fn func(db *client.Database) error) error {
	addr, pid, _ := target(cmd)
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()
	db, err := client.New(engine).Open(addr, pid, name, true)
	if err != nil {
		return err
	}
	return fn(db)
}

func withCollection(cmd *cobra.Command, dbName, collName string, fn func(coll *client.Collection) error) error {
	return withDatabase(cmd, dbName, func(db *client.Database) error {
		coll, err := db.Open(collName, true)
		if err != nil {
			return err
		}
		return fn(coll)
	})
}
