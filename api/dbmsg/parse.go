// Package dbmsg implements the database message line protocol: classifying a
// client line into a core.Record and translating records into statements.
package dbmsg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/INLOpen/dbmsg/core"
)

const (
	insertPrefix = "INSERT INTO "
	updatePrefix = "UPDATE "

	// Separator splits target, table and field list.
	Separator = "^"
)

// IsPrintable reports whether every byte of line is printable ASCII.
func IsPrintable(line string) bool {
	for i := 0; i < len(line); i++ {
		if c := line[i]; c < 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

// TrimLine strips the line terminator ("\n" or "\r\n").
func TrimLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// ParseLine classifies one line (without its terminator).
// Raw statements are recognised by prefix first; everything else must be
// target^table^field=value;... with exactly two separators.
func ParseLine(line string) (core.Record, error) {
	if !IsPrintable(line) {
		return nil, &core.ProtocolError{Line: line, Reason: "binary input", Err: core.ErrBinaryInput}
	}
	if strings.HasPrefix(line, insertPrefix) || strings.HasPrefix(line, updatePrefix) {
		return parseRaw(line)
	}
	return parseStructured(line)
}

func parseRaw(line string) (core.Record, error) {
	rest := strings.TrimPrefix(line, insertPrefix)
	if len(rest) == len(line) {
		rest = strings.TrimPrefix(line, updatePrefix)
	}
	rest = strings.TrimLeft(rest, " ")
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return nil, &core.ProtocolError{Line: line, Reason: "raw statement has no target.table"}
	}
	target := rest[:dot]
	if strings.ContainsAny(target, " (") {
		return nil, &core.ProtocolError{Line: line, Reason: "raw statement has no target.table"}
	}
	return core.RawRecord{TargetName: target, Text: line}, nil
}

func parseStructured(line string) (core.Record, error) {
	parts := strings.Split(line, Separator)
	if len(parts) != 3 {
		return nil, &core.ProtocolError{Line: line, Reason: fmt.Sprintf("expected 2 %q separators, found %d", Separator, len(parts)-1)}
	}
	target, table, body := parts[0], parts[1], parts[2]
	if target == "" || table == "" {
		return nil, &core.ProtocolError{Line: line, Reason: "empty target or table"}
	}

	var fields []core.Field
	for _, pair := range strings.Split(body, ";") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, &core.ProtocolError{Line: line, Reason: fmt.Sprintf("field %q is not key=value", pair)}
		}
		fields = append(fields, core.Field{Key: key, Value: value})
	}
	if len(fields) == 0 {
		return nil, &core.ProtocolError{Line: line, Reason: "no fields"}
	}

	rec := core.StructuredRecord{TargetName: target, Table: table, Fields: fields}
	if fields[0].Key == "id" {
		id, err := strconv.ParseInt(fields[0].Value, 10, 64)
		if err != nil {
			return nil, &core.ProtocolError{Line: line, Reason: "update id is not an integer", Err: err}
		}
		if len(fields) == 1 {
			return nil, &core.ProtocolError{Line: line, Reason: "update has no fields to set"}
		}
		rec.IsUpdate = true
		rec.UpdateKey = id
		rec.Fields = fields[1:]
	}
	return rec, nil
}
