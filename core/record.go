package core

// Field is one key=value pair of a structured record, in input order.
type Field struct {
	Key   string
	Value string
}

// Record is one parsed client line. It is either a RawRecord or a
// StructuredRecord; the set of implementations is closed.
type Record interface {
	// Target returns the backing-store name the record is routed by.
	Target() string
	isRecord()
}

// RawRecord is a statement the client already wrote in final form.
type RawRecord struct {
	TargetName string
	Text       string
}

func (r RawRecord) Target() string { return r.TargetName }
func (RawRecord) isRecord()        {}

// StructuredRecord is a target^table^fields line.
type StructuredRecord struct {
	TargetName string
	Table      string
	Fields     []Field
	// IsUpdate is set when the first field is "id"; UpdateKey then holds its value
	// and Fields no longer contains it.
	IsUpdate  bool
	UpdateKey int64
}

func (r StructuredRecord) Target() string { return r.TargetName }
func (StructuredRecord) isRecord()        {}

// Statement is mutation text ready to hand to a backing store.
type Statement string

func (s Statement) String() string { return string(s) }

// Mode is the queue worker's tier state.
type Mode int32

const (
	ModeMemory Mode = iota
	ModeDrainingDisk
)

func (m Mode) String() string {
	switch m {
	case ModeMemory:
		return "MEMORY"
	case ModeDrainingDisk:
		return "DRAINING_DISK"
	default:
		return "UNKNOWN"
	}
}
