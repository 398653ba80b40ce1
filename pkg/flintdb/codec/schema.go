package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// IndexKind enumerates the index kinds a Descriptor may declare, per
// spec.md §3's "index set {PRIMARY(cols…), optional SORT keys, optional
// HASH keys}".
type IndexKind string

const (
	IndexPrimary IndexKind = "PRIMARY"
	IndexSort    IndexKind = "SORT"
	IndexHash    IndexKind = "HASH"
)

// IndexDef names one secondary or primary index over a set of columns, in
// declaration order (composite keys are encoded in that order).
type IndexDef struct {
	Kind    IndexKind
	Name    string
	Columns []string
}

// WALMode enumerates the WAL operating modes spec.md §4.6 describes.
type WALMode string

const (
	WALOff      WALMode = "OFF"
	WALLog      WALMode = "LOG"
	WALTruncate WALMode = "TRUNCATE"
)

// Descriptor is the parsed form of a table's .desc file: spec.md §6's
// "versioned text form: lines of KEY=VALUE and COLUMN/INDEX directives."
// It is immutable once a table is created (spec.md §3: "a schema change
// means a new table").
type Descriptor struct {
	Name       string
	Schema     Schema
	Indexes    []IndexDef
	WALMode    WALMode
	Cache      int
	Mmap       int
	Compact    int
	Compressor string
}

// columnTypeNames maps the text directive token to a ColumnType, the
// inverse of ColumnType.String used when writing the descriptor back out.
var columnTypeNames = map[string]ColumnType{
	"I8": ColI8, "U8": ColU8,
	"I16": ColI16, "U16": ColU16,
	"I32": ColI32, "U32": ColU32,
	"I64": ColI64, "U64": ColU64,
	"F32": ColF32, "F64": ColF64,
	"DECIMAL": ColDecimal,
	"STRING":  ColString,
	"BYTES":   ColBytes,
	"DATE":    ColDate,
	"TIME":    ColTime,
	"UUID":    ColUUID,
	"IPV6":    ColIPv6,
	"NIL":     ColNil,
}

// ParseDescriptor parses the plain-text .desc format: one directive per
// line, blank lines and lines starting with '#' ignored.
//
//	NAME=orders
//	WAL_MODE=TRUNCATE
//	CACHE=1024
//	MMAP=4096
//	COMPACT=1048576
//	COMPRESSOR=zstd
//	COLUMN id U32 NOT_NULL
//	COLUMN name STRING 100
//	COLUMN salary DECIMAL 10 2
//	INDEX PRIMARY id
//	INDEX HASH name
func ParseDescriptor(data []byte) (*Descriptor, error) {
	d := &Descriptor{WALMode: WALLog}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "COLUMN "):
			col, err := parseColumnDirective(line)
			if err != nil {
				return nil, descErr(lineNo, err)
			}
			d.Schema.Columns = append(d.Schema.Columns, col)
		case strings.HasPrefix(line, "INDEX "):
			idx, err := parseIndexDirective(line)
			if err != nil {
				return nil, descErr(lineNo, err)
			}
			d.Indexes = append(d.Indexes, idx)
		case strings.Contains(line, "="):
			key, value, _ := strings.Cut(line, "=")
			if err := applyKeyValue(d, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
				return nil, descErr(lineNo, err)
			}
		default:
			return nil, descErr(lineNo, fmt.Errorf("unrecognized directive %q", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseDescriptor", "", err)
	}

	if d.Name == "" {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseDescriptor", "", fmt.Errorf("missing NAME directive"))
	}
	if len(d.Schema.Columns) == 0 {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseDescriptor", "", fmt.Errorf("no COLUMN directives"))
	}
	hasPrimary := false
	for _, idx := range d.Indexes {
		if idx.Kind == IndexPrimary {
			hasPrimary = true
		}
	}
	if !hasPrimary {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseDescriptor", "", fmt.Errorf("no INDEX PRIMARY directive"))
	}

	return d, nil
}

func descErr(lineNo int, cause error) error {
	return ferr.New(ferr.KindCorruption, "codec.ParseDescriptor", "", fmt.Errorf("line %d: %w", lineNo, cause))
}

func parseColumnDirective(line string) (Column, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Column{}, fmt.Errorf("COLUMN directive needs name and type: %q", line)
	}
	name, typeName := fields[1], strings.ToUpper(fields[2])
	ct, ok := columnTypeNames[typeName]
	if !ok {
		return Column{}, fmt.Errorf("unknown column type %q", typeName)
	}

	col := Column{Name: name, Type: ct}
	rest := fields[3:]
	for len(rest) > 0 {
		tok := rest[0]
		switch {
		case tok == "NOT_NULL":
			col.NotNull = true
			rest = rest[1:]
		case ct == ColDecimal && len(rest) >= 2 && isInt(rest[0]) && isInt(rest[1]):
			p, _ := strconv.Atoi(rest[0])
			s, _ := strconv.Atoi(rest[1])
			col.MaxBytes = p
			col.Scale = s
			rest = rest[2:]
		case (ct == ColString || ct == ColBytes) && isInt(tok):
			n, _ := strconv.Atoi(tok)
			col.MaxBytes = n
			rest = rest[1:]
		default:
			return Column{}, fmt.Errorf("COLUMN %s: unrecognized modifier %q", name, tok)
		}
	}

	return col, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func parseIndexDirective(line string) (IndexDef, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return IndexDef{}, fmt.Errorf("INDEX directive needs kind and at least one column: %q", line)
	}
	kind := IndexKind(strings.ToUpper(fields[1]))
	switch kind {
	case IndexPrimary, IndexSort, IndexHash:
	default:
		return IndexDef{}, fmt.Errorf("unknown index kind %q", fields[1])
	}

	return IndexDef{Kind: kind, Name: strings.ToLower(string(kind)), Columns: fields[2:]}, nil
}

func applyKeyValue(d *Descriptor, key, value string) error {
	switch key {
	case "NAME":
		d.Name = value
	case "WAL_MODE":
		switch WALMode(value) {
		case WALOff, WALLog, WALTruncate:
			d.WALMode = WALMode(value)
		default:
			return fmt.Errorf("unknown WAL_MODE %q", value)
		}
	case "CACHE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("CACHE: %w", err)
		}
		d.Cache = n
	case "MMAP":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("MMAP: %w", err)
		}
		d.Mmap = n
	case "COMPACT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("COMPACT: %w", err)
		}
		d.Compact = n
	case "COMPRESSOR":
		d.Compressor = value
	default:
		return fmt.Errorf("unknown directive key %q", key)
	}
	return nil
}

// Encode renders the Descriptor back to the canonical .desc text form. The
// output is stable (same field order every call) so a round trip through
// ParseDescriptor/Encode is byte-identical. Table.Open uses it to write a
// new table's .desc.
func (d *Descriptor) Encode() []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "NAME=%s\n", d.Name)
	fmt.Fprintf(&b, "WAL_MODE=%s\n", d.WALMode)
	if d.Cache != 0 {
		fmt.Fprintf(&b, "CACHE=%d\n", d.Cache)
	}
	if d.Mmap != 0 {
		fmt.Fprintf(&b, "MMAP=%d\n", d.Mmap)
	}
	if d.Compact != 0 {
		fmt.Fprintf(&b, "COMPACT=%d\n", d.Compact)
	}
	if d.Compressor != "" {
		fmt.Fprintf(&b, "COMPRESSOR=%s\n", d.Compressor)
	}

	for _, col := range d.Schema.Columns {
		b.WriteString("COLUMN ")
		b.WriteString(col.Name)
		b.WriteByte(' ')
		b.WriteString(col.Type.String())
		if col.Type == ColDecimal {
			fmt.Fprintf(&b, " %d %d", col.MaxBytes, col.Scale)
		} else if (col.Type == ColString || col.Type == ColBytes) && col.MaxBytes > 0 {
			fmt.Fprintf(&b, " %d", col.MaxBytes)
		}
		if col.NotNull {
			b.WriteString(" NOT_NULL")
		}
		b.WriteByte('\n')
	}

	for _, idx := range d.Indexes {
		fmt.Fprintf(&b, "INDEX %s %s\n", idx.Kind, strings.Join(idx.Columns, " "))
	}

	return b.Bytes()
}

// Override is the optional, human-editable tuning file that Table.Open
// reads from next to the canonical .desc (path+".desc.hujson") when it
// opens an existing table; nothing in this module writes it (spec.md §6: the .desc itself stays the
// plain directive format other adapters read directly; Override exists so
// an operator can retune cache/compact thresholds without touching the
// schema contract). It is round-tripped through hujson so the file may
// carry comments and trailing commas when hand-edited.
type Override struct {
	Cache      *int    `json:"cache,omitempty"`
	Compact    *int    `json:"compact,omitempty"`
	Compressor *string `json:"compressor,omitempty"`
}

// ParseOverride standardizes hujson (JSON with comments/trailing commas)
// into plain JSON and decodes it into an Override.
func ParseOverride(data []byte) (*Override, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseOverride", "", err)
	}

	var o Override
	if err := json.Unmarshal(std, &o); err != nil {
		return nil, ferr.New(ferr.KindCorruption, "codec.ParseOverride", "", err)
	}

	return &o, nil
}

// Apply merges non-nil Override fields into d.
func (o *Override) Apply(d *Descriptor) {
	if o == nil {
		return
	}
	if o.Cache != nil {
		d.Cache = *o.Cache
	}
	if o.Compact != nil {
		d.Compact = *o.Compact
	}
	if o.Compressor != nil {
		d.Compressor = *o.Compressor
	}
}
