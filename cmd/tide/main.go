package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/tidedb/tide"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("newindex"),
	readline.PcItem("query"),
	readline.PcItem("stats"),
	readline.PcItem("errors"),
	readline.PcItem("priority"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func parsePriority(s string) (tide.IndexPriority, bool) {
	switch strings.ToLower(s) {
	case "normal":
		return tide.PriorityNormal, true
	case "idle":
		return tide.PriorityIdle, true
	case "disabled":
		return tide.PriorityDisabled, true
	case "error":
		return tide.PriorityError, true
	}
	return 0, false
}

func runQuery(db *tide.DB, name, field, value string) error {
	idx, err := db.GetIndex(name)
	if err != nil {
		return err
	}
	docCtx, release := db.DocumentStore().ContextPool().AllocateOperationContext()
	defer release()
	result, err := idx.Query(context.Background(), &tide.IndexQuery{
		Field:       field,
		Value:       value,
		WaitTimeout: 15 * time.Second,
	}, docCtx)
	if err != nil {
		return err
	}
	fmt.Printf("%d results, stale=%v, etag=%x\n", result.TotalResults, result.IsStale, result.Etag)
	for doc := range result.Results {
		fmt.Printf("%s\t%s\n", doc.Key, string(doc.Data))
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprintln(os.Stderr, "Usage: tide <dir>")
		os.Exit(-2)
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "≈ ",
		HistoryFile:     "/tmp/tide-readline.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	db, err := tide.Open(tide.Options{Dir: os.Args[1]})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Println("put <collection> <key> <json> | get <collection> <key> | del <collection> <key>")
			fmt.Println("newindex <name> <collection> <field> [field...] | query <index> <field> <value>")
			fmt.Println("stats <index> | errors <index> | priority <index> <normal|idle|disabled|error>")
		case "put":
			if len(args) < 3 {
				err = fmt.Errorf("usage: put <collection> <key> <json>")
				break
			}
			body := strings.Join(args[2:], " ")
			var etag uint64
			etag, err = db.DocumentStore().Put(args[0], args[1], json.RawMessage(body))
			if err == nil {
				fmt.Printf("etag %d\n", etag)
			}
		case "get":
			if len(args) != 2 {
				err = fmt.Errorf("usage: get <collection> <key>")
				break
			}
			docCtx, release := db.DocumentStore().ContextPool().AllocateOperationContext()
			doc, gerr := docCtx.Get(args[0], args[1])
			release()
			err = gerr
			if err == nil {
				fmt.Printf("etag %d\t%s\n", doc.Etag, string(doc.Data))
			}
		case "del":
			if len(args) != 2 {
				err = fmt.Errorf("usage: del <collection> <key>")
				break
			}
			var etag uint64
			var found bool
			etag, found, err = db.DocumentStore().Delete(args[0], args[1])
			if err == nil && !found {
				err = fmt.Errorf("no such document")
			} else if err == nil {
				fmt.Printf("tombstone etag %d\n", etag)
			}
		case "newindex":
			if len(args) < 3 {
				err = fmt.Errorf("usage: newindex <name> <collection> <field> [field...]")
				break
			}
			_, err = db.CreateAutoMapIndex(&tide.AutoMapDefinition{
				IndexName: args[0],
				For:       []string{args[1]},
				Fields:    args[2:],
			})
			if err == nil {
				fmt.Printf("index %s created\n", args[0])
			}
		case "query":
			if len(args) != 3 {
				err = fmt.Errorf("usage: query <index> <field> <value>")
				break
			}
			err = runQuery(db, args[0], args[1], args[2])
		case "stats":
			if len(args) != 1 {
				err = fmt.Errorf("usage: stats <index>")
				break
			}
			var idx *tide.Index
			idx, err = db.GetIndex(args[0])
			if err != nil {
				break
			}
			var stats *tide.IndexStats
			stats, err = idx.GetStats()
			if err != nil {
				break
			}
			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
		case "errors":
			if len(args) != 1 {
				err = fmt.Errorf("usage: errors <index>")
				break
			}
			var idx *tide.Index
			idx, err = db.GetIndex(args[0])
			if err != nil {
				break
			}
			var errs []tide.IndexingError
			errs, err = idx.GetErrors()
			if err != nil {
				break
			}
			for _, e := range errs {
				fmt.Printf("%s\t%s\t%s\n", e.When.Format(time.RFC3339), e.Action, e.Message)
			}
		case "priority":
			if len(args) != 2 {
				err = fmt.Errorf("usage: priority <index> <normal|idle|disabled|error>")
				break
			}
			p, ok := parsePriority(args[1])
			if !ok {
				err = fmt.Errorf("bad priority %s", args[1])
				break
			}
			var idx *tide.Index
			idx, err = db.GetIndex(args[0])
			if err == nil {
				err = idx.SetPriority(p)
			}
		case "exit", "quit":
			ex := 0
			err = db.Close()
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)
		case "":
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
