package dbmsg

import (
	"strconv"
	"strings"

	"github.com/INLOpen/dbmsg/core"
)

// IncrementToken marks a value as a self-referencing expression, e.g.
// "nalarm=<<nalarm+1". The token is removed and the rest emitted unquoted,
// giving "nalarm=nalarm+1". "<<" is a shift operator in SQL, so leaving it in
// place would change the expression the client meant to send.
const IncrementToken = "<<"

// Translate builds the statement for a record. Raw records pass through unchanged.
func Translate(rec core.Record) core.Statement {
	switch r := rec.(type) {
	case core.RawRecord:
		return core.Statement(r.Text)
	case core.StructuredRecord:
		if r.IsUpdate {
			return translateUpdate(r)
		}
		return translateInsert(r)
	default:
		panic("dbmsg: unknown record type")
	}
}

func translateUpdate(r core.StructuredRecord) core.Statement {
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(r.TargetName)
	sb.WriteByte('.')
	sb.WriteString(r.Table)
	sb.WriteString(" SET ")
	for i, f := range r.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(FormatValue(f.Key, f.Value))
	}
	sb.WriteString(" WHERE id=")
	sb.WriteString(strconv.FormatInt(r.UpdateKey, 10))
	return core.Statement(sb.String())
}

func translateInsert(r core.StructuredRecord) core.Statement {
	keys := make([]string, len(r.Fields))
	values := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		keys[i] = f.Key
		values[i] = FormatValue(f.Key, f.Value)
	}
	return core.Statement("INSERT INTO " + r.TargetName + "." + r.Table +
		" (" + strings.Join(keys, ",") + ") VALUES (" + strings.Join(values, ",") + ")")
}

// FormatValue quotes a value unless it is an expression: it calls now() or
// current_timestamp(), carries the increment token, or names its own column.
func FormatValue(key, value string) string {
	lower := strings.ToLower(value)
	switch {
	case value == "":
		return "''"
	case strings.Contains(lower, "now()"), strings.Contains(lower, "current_timestamp()"):
		return value
	case strings.Contains(value, IncrementToken):
		return strings.ReplaceAll(value, IncrementToken, "")
	case value == key:
		return value
	default:
		return "'" + value + "'"
	}
}
