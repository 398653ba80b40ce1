// Command flintctl is a thin CLI harness over the flintdb core: open a
// table, apply one operation, report an exit code a script can branch on.
// It is an external collaborator over Table, not part of the engine
// itself.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	flintdb "github.com/fillmemory/flintdb"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
)

// Exit codes, per spec.md §6.
const (
	exitOK         = 0
	exitUsage      = 2
	exitConstraint = 3
	exitIO         = 4
	exitRecovery   = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flintctl <create|put|get|del|find|checkpoint|shell> ...")
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return cmdCreate(rest)
	case "put":
		return cmdPut(rest)
	case "get":
		return cmdGet(rest)
	case "del":
		return cmdDel(rest)
	case "find":
		return cmdFind(rest)
	case "checkpoint":
		return cmdCheckpoint(rest)
	case "shell":
		return cmdShell(rest)
	default:
		fmt.Fprintf(os.Stderr, "flintctl: unknown subcommand %q\n", cmd)
		return exitUsage
	}
}

// exitFor maps a flintdb error to spec.md §6's exit code taxonomy.
func exitFor(err error) int {
	if err == nil {
		return exitOK
	}

	var fErr *flintdb.Error
	if !errors.As(err, &fErr) {
		return exitIO
	}

	switch fErr.Kind {
	case flintdb.KindConstraint:
		return exitConstraint
	case flintdb.KindCorruption:
		return exitRecovery
	default:
		return exitIO
	}
}

func cmdCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	descFile := fs.String("desc", "", "path to a .desc schema file to seed the new table with")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 || *descFile == "" {
		fmt.Fprintln(os.Stderr, "usage: flintctl create <path> --desc <file>")
		return exitUsage
	}

	data, err := os.ReadFile(*descFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIO
	}
	desc, err := codec.ParseDescriptor(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}

	tbl, err := flintdb.Open(fs.Arg(0), desc, flintdb.RDWR)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	fmt.Printf("created table %q at %s\n", tbl.Name(), fs.Arg(0))
	return exitOK
}

func cmdPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	upsert := fs.Bool("upsert", false, "replace an existing row sharing the PRIMARY key")
	values := fs.StringSlice("value", nil, "one value per schema column, in order (repeat or comma-separate)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flintctl put <path> --value v1 --value v2 ... [--upsert]")
		return exitUsage
	}

	tbl, err := flintdb.Open(fs.Arg(0), nil, flintdb.RDWR)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	row, err := parseRow(tbl.Schema(), *values)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	rowid, err := tbl.Apply(row, *upsert)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}

	fmt.Println(rowid)
	return exitOK
}

func cmdGet(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: flintctl get <path> <rowid>")
		return exitUsage
	}

	rowid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid rowid:", err)
		return exitUsage
	}

	tbl, err := flintdb.Open(args[0], nil, flintdb.RDONLY)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	row, ok, err := tbl.Read(rowid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "not found")
		return exitConstraint
	}

	fmt.Println(formatRow(row))
	return exitOK
}

func cmdDel(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: flintctl del <path> <rowid>")
		return exitUsage
	}

	rowid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid rowid:", err)
		return exitUsage
	}

	tbl, err := flintdb.Open(args[0], nil, flintdb.RDWR)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	found, err := tbl.Delete(rowid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	if !found {
		fmt.Fprintln(os.Stderr, "not found")
		return exitConstraint
	}

	return exitOK
}

func cmdFind(args []string) int {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	index := fs.String("index", "", "index name (empty selects PRIMARY)")
	desc := fs.Bool("desc", false, "scan in descending key order")
	limit := fs.Int("limit", 0, "maximum rows to print (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flintctl find <path> [--index name] [--desc] [--limit n]")
		return exitUsage
	}

	tbl, err := flintdb.Open(fs.Arg(0), nil, flintdb.RDONLY)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	direction := flintdb.Asc
	if *desc {
		direction = flintdb.Desc
	}

	cur, err := tbl.Find(nil, flintdb.FindOptions{Index: *index, Direction: direction, Limit: *limit})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}

	for {
		rowid, ok, err := cur.Next(nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err)
		}
		if !ok {
			break
		}
		row, _, err := tbl.Read(rowid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err)
		}
		fmt.Printf("%d\t%s\n", rowid, formatRow(row))
	}

	return exitOK
}

func cmdCheckpoint(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: flintctl checkpoint <path>")
		return exitUsage
	}

	tbl, err := flintdb.Open(args[0], nil, flintdb.RDWR)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}

	if err := tbl.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}

	return exitOK
}

// shell is an interactive REPL over a single open table: put/get/del/find
// without reopening the table between commands.
type shell struct {
	tbl   *flintdb.Table
	liner *liner.State
}

func cmdShell(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: flintctl shell <path>")
		return exitUsage
	}

	tbl, err := flintdb.Open(args[0], nil, flintdb.RDWR)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	defer func() { _ = tbl.Close() }()

	s := &shell{tbl: tbl, liner: liner.NewLiner()}
	defer s.liner.Close()
	s.liner.SetCtrlCAborts(true)

	historyPath := args[0] + ".history"
	if f, err := os.Open(historyPath); err == nil {
		_, _ = s.liner.ReadHistory(f)
		_ = f.Close()
	}

	for {
		line, err := s.liner.Prompt(tbl.Name() + "> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintln(os.Stderr, err)
			return exitIO
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		// A command's own exit code is only printed, never propagated: the
		// REPL stays open after an error and only "exit"/"quit" ends it.
		if _, quit := s.dispatch(line); quit {
			break
		}
	}

	if f, err := os.Create(historyPath); err == nil {
		_, _ = s.liner.WriteHistory(f)
		_ = f.Close()
	}

	return exitOK
}

func (s *shell) dispatch(line string) (code int, quit bool) {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return exitOK, true
	case "help":
		fmt.Println("commands: put <v1> <v2> ... | get <rowid> | del <rowid> | find [index] | help | exit")
		return exitOK, false
	case "put":
		row, err := parseRow(s.tbl.Schema(), rest)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUsage, false
		}
		rowid, err := s.tbl.Apply(row, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err), false
		}
		fmt.Println(rowid)
		return exitOK, false
	case "get":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: get <rowid>")
			return exitUsage, false
		}
		rowid, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid rowid:", err)
			return exitUsage, false
		}
		row, ok, err := s.tbl.Read(rowid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err), false
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "not found")
			return exitConstraint, false
		}
		fmt.Println(formatRow(row))
		return exitOK, false
	case "del":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: del <rowid>")
			return exitUsage, false
		}
		rowid, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid rowid:", err)
			return exitUsage, false
		}
		found, err := s.tbl.Delete(rowid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err), false
		}
		fmt.Println(found)
		return exitOK, false
	case "find":
		index := ""
		if len(rest) == 1 {
			index = rest[0]
		}
		cur, err := s.tbl.Find(nil, flintdb.FindOptions{Index: index})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFor(err), false
		}
		for {
			rowid, ok, err := cur.Next(nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return exitFor(err), false
			}
			if !ok {
				break
			}
			row, _, err := s.tbl.Read(rowid)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return exitFor(err), false
			}
			fmt.Printf("%d\t%s\n", rowid, formatRow(row))
		}
		return exitOK, false
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, try 'help'\n", cmd)
		return exitUsage, false
	}
}

// parseRow converts the CLI's flat string values into a codec.Row typed
// against schema, one value per column in declaration order. "" parses as
// NULL for nullable columns.
func parseRow(schema *codec.Schema, values []string) (codec.Row, error) {
	if len(values) != len(schema.Columns) {
		return nil, fmt.Errorf("got %d values, schema has %d columns", len(values), len(schema.Columns))
	}

	row := make(codec.Row, len(values))
	for i, col := range schema.Columns {
		v := values[i]
		if v == "" && !col.NotNull {
			row[i] = nil
			continue
		}

		parsed, err := parseValue(col, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[i] = parsed
	}
	return row, nil
}

func parseValue(col codec.Column, v string) (any, error) {
	switch col.Type {
	case codec.ColI8, codec.ColI16, codec.ColI32, codec.ColI64, codec.ColDate, codec.ColTime, codec.ColDecimal:
		return strconv.ParseInt(v, 10, 64)
	case codec.ColU8, codec.ColU16, codec.ColU32, codec.ColU64:
		return strconv.ParseUint(v, 10, 64)
	case codec.ColF32:
		f, err := strconv.ParseFloat(v, 32)
		return float32(f), err
	case codec.ColF64:
		return strconv.ParseFloat(v, 64)
	case codec.ColString:
		return v, nil
	case codec.ColBytes:
		return []byte(v), nil
	case codec.ColUUID:
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		return [16]byte(id), nil
	case codec.ColIPv6:
		ip := net.ParseIP(v).To16()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv6 address %q", v)
		}
		var b [16]byte
		copy(b[:], ip)
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported column type %v for CLI input", col.Type)
	}
}

func formatRow(row codec.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\t")
}
