package main

import (
	"fmt"
	"os"

	"mucd/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("mucd %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	name, _, _ := st.GetSetting("service_name")
	n, _ := st.RoomCount()
	fmt.Printf("Service: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Persistent rooms: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	names, err := st.RoomNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Println("No persistent rooms found.")
		return true
	}
	for _, name := range names {
		cfg, err := st.LoadRoomConfig(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading %q: %v\n", name, err)
			continue
		}
		flags := ""
		if cfg.MembersOnly {
			flags += " members-only"
		}
		if cfg.Moderated {
			flags += " moderated"
		}
		if !cfg.PublicRoom {
			flags += " hidden"
		}
		fmt.Printf("  %s%s\n", name, flags)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "get" {
		key := "service_name"
		if len(args) > 1 {
			key = args[1]
		}
		val, ok, err := st.GetSetting(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Printf("%s is not set\n", key)
			return true
		}
		fmt.Printf("%s = %s\n", key, val)
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: mucd settings [get <key>|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "mucd-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
