// Package main is the jsonldb command line tool.
//
// jsonldb manages a folder of indexed JSONL collections. Each command
// operates on the database in -dir; with no command it starts an
// interactive shell. Version history commands require (and create) a
// git repository inside the database folder.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/leiwu0227/jsonldb/folderdb"
	"github.com/leiwu0227/jsonldb/jsonl"
	"github.com/leiwu0227/jsonldb/vercontrol"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsonldb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dir := flag.String("dir", ".", "Database directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop time when running under systemd.
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	db, err := folderdb.Open(*dir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if args := flag.Args(); len(args) > 0 {
		return runCommand(db, args)
	}
	return runShell(ctx, db)
}

// runShell reads commands from stdin until EOF or "exit". Lines are
// tokenized with shell quoting rules so JSON arguments can be quoted.
func runShell(ctx context.Context, db *folderdb.DB) error {
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("jsonldb shell, database at %s. Type help for commands.\n", db.Dir())
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jsonldb: %v\n", err)
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if err := runCommand(db, args); err != nil {
			fmt.Fprintf(os.Stderr, "jsonldb: %v\n", err)
		}
	}
	return scanner.Err()
}

func runCommand(db *folderdb.DB, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help":
		printHelp()
		return nil
	case "list":
		return cmdList(db, rest)
	case "meta":
		return cmdMeta(db, rest)
	case "save":
		return cmdWrite(db, rest, db.Save)
	case "upsert":
		return cmdWrite(db, rest, db.Upsert)
	case "load":
		return cmdLoad(db, rest)
	case "select":
		return cmdSelect(db, rest)
	case "delete":
		return cmdDelete(db, rest)
	case "delete-range":
		return cmdDeleteRange(db, rest)
	case "drop":
		return cmdDrop(db, rest)
	case "lint":
		return cmdLint(db, rest)
	case "commit":
		return cmdCommit(db, rest)
	case "versions":
		return cmdVersions(db, rest)
	case "revert":
		return cmdRevert(db, rest)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func printHelp() {
	fmt.Print(`Commands:
  list                               List collections
  meta [collection]                  Show collection metadata
  save <collection> [json]          Replace a collection (json arg or stdin)
  upsert <collection> [json]        Merge records into a collection
  load <collection>                  Print a whole collection
  select <collection> <lower> <upper>  Print a key range ("-" = unbounded)
  delete <collection> <key>...       Delete keys
  delete-range <collection> <lower> <upper>  Delete a key range
  drop <collection>                  Remove a collection entirely
  lint [collection]                  Rewrite canonically (all when omitted)
  commit [message]                   Commit the database folder to git
  versions                           List commits
  revert <hash>                      Hard-reset the folder to a commit
  exit                               Leave the shell
`)
}

func cmdList(db *folderdb.DB, args []string) error {
	if len(args) > 0 {
		return errors.New("usage: list")
	}
	names, err := db.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func cmdMeta(db *folderdb.DB, args []string) error {
	switch len(args) {
	case 0:
		fmt.Print(db.String())
		return nil
	case 1:
		meta, err := db.Meta(args[0])
		if err != nil {
			return err
		}
		return printJSON(meta)
	default:
		return errors.New("usage: meta [collection]")
	}
}

// cmdWrite covers save and upsert, which differ only in the DB method.
func cmdWrite(db *folderdb.DB, args []string, op func(string, map[string]jsonl.Object) error) error {
	if len(args) != 1 && len(args) != 2 {
		return errors.New("usage: save|upsert <collection> [json]")
	}
	var raw []byte
	if len(args) == 2 {
		raw = []byte(args[1])
	} else {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("failed to read records from stdin: %w", err)
		}
	}
	var records map[string]jsonl.Object
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("records must be a JSON object of key to object: %w", err)
	}
	return op(args[0], records)
}

func cmdLoad(db *folderdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: load <collection>")
	}
	records, err := db.Load(args[0])
	if err != nil {
		return err
	}
	return printJSON(records)
}

func cmdSelect(db *folderdb.DB, args []string) error {
	if len(args) != 3 {
		return errors.New(`usage: select <collection> <lower> <upper> ("-" = unbounded)`)
	}
	records, err := db.Get(args[0], bound(args[1]), bound(args[2]))
	if err != nil {
		return err
	}
	return printJSON(records)
}

func cmdDelete(db *folderdb.DB, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: delete <collection> <key>...")
	}
	return db.DeleteKeys(args[0], args[1:])
}

func cmdDeleteRange(db *folderdb.DB, args []string) error {
	if len(args) != 3 {
		return errors.New(`usage: delete-range <collection> <lower> <upper> ("-" = unbounded)`)
	}
	return db.DeleteRange(args[0], bound(args[1]), bound(args[2]))
}

func cmdDrop(db *folderdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: drop <collection>")
	}
	return db.Drop(args[0])
}

func cmdLint(db *folderdb.DB, args []string) error {
	switch len(args) {
	case 0:
		return db.LintAll()
	case 1:
		return db.Lint(args[0])
	default:
		return errors.New("usage: lint [collection]")
	}
}

func cmdCommit(db *folderdb.DB, args []string) error {
	msg := strings.Join(args, " ")
	opts := db.Options()
	author := vercontrol.Author{Name: opts.GitAuthorName, Email: opts.GitAuthorEmail}
	hash, err := vercontrol.Commit(db.Dir(), msg, author)
	if err != nil {
		return err
	}
	if hash == "" {
		fmt.Println("nothing to commit")
		return nil
	}
	fmt.Println(hash)
	return nil
}

func cmdVersions(db *folderdb.DB, args []string) error {
	if len(args) > 0 {
		return errors.New("usage: versions")
	}
	versions, err := vercontrol.Versions(db.Dir())
	if err != nil {
		return err
	}
	for _, v := range versions {
		fmt.Printf("%s  %s\n", v.Hash, v.Message)
	}
	return nil
}

func cmdRevert(db *folderdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: revert <hash>")
	}
	if err := vercontrol.Revert(db.Dir(), args[0]); err != nil {
		return err
	}
	return db.RebuildMeta()
}

func bound(s string) *string {
	if s == "-" {
		return nil
	}
	return &s
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("jsonldb %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
