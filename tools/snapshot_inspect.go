// Command snapshot_inspect dumps the rooms and users of a snapshot store
// without starting the server. Read-only; safe to run next to a stopped
// process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

type room struct {
	Name         string            `json:"name"`
	Members      map[string]bool   `json:"users"`
	Events       []json.RawMessage `json:"roomEvents"`
	Participants []string          `json:"participants"`
}

type userRecord struct {
	JoinedRooms map[string]struct {
		LastRead int64 `json:"lastRead"`
	} `json:"joinedRooms"`
}

func main() {
	dbPath := flag.String("db", "data/snapshot", "Path to the badger snapshot store")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	if err := renderRooms(db); err != nil {
		log.Fatal(err)
	}
	fmt.Println()
	if err := renderUsers(db); err != nil {
		log.Fatal(err)
	}
}

func renderRooms(db *badger.DB) error {
	color.Bold.Println("Rooms")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Kind", "Members", "Events", "Participants"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	err := scan(db, "room:", func(name string, data []byte) error {
		var r room
		if err := json.Unmarshal(data, &r); err != nil {
			fmt.Printf("Error unmarshaling room %s: %v\n", name, err)
			return nil
		}

		kind := "public"
		if strings.HasPrefix(r.Name, "!") {
			kind = "direct"
		}
		var members []string
		for member := range r.Members {
			members = append(members, member)
		}
		table.Append([]string{
			r.Name,
			kind,
			strings.Join(members, ", "),
			fmt.Sprintf("%d", len(r.Events)),
			strings.Join(r.Participants, ", "),
		})
		return nil
	})
	if err != nil {
		return err
	}

	table.Render()
	return nil
}

func renderUsers(db *badger.DB) error {
	color.Bold.Println("Users")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Username", "Joined rooms"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	err := scan(db, "user:", func(name string, data []byte) error {
		var u userRecord
		if err := json.Unmarshal(data, &u); err != nil {
			fmt.Printf("Error unmarshaling user %s: %v\n", name, err)
			return nil
		}

		var joined []string
		for roomName := range u.JoinedRooms {
			joined = append(joined, roomName)
		}
		table.Append([]string{name, strings.Join(joined, ", ")})
		return nil
	})
	if err != nil {
		return err
	}

	table.Render()
	return nil
}

func scan(db *badger.DB, prefix string, visit func(name string, data []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), prefix)
			err := item.Value(func(data []byte) error {
				return visit(name, data)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	return badger.Open(opts)
}
