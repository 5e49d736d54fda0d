package storekit

// Operation names a primitive the operator can dispatch.
type Operation string

const (
	OpStat      Operation = "stat"
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpCreateDir Operation = "create_dir"
	OpDelete    Operation = "delete"
	OpCopy      Operation = "copy"
	OpRename    Operation = "rename"
	OpList      Operation = "list"
	OpScan      Operation = "scan"
	OpPresign   Operation = "presign"
)

// Operations lists every operation in dispatch order.
var Operations = []Operation{
	OpStat, OpRead, OpWrite, OpCreateDir, OpDelete,
	OpCopy, OpRename, OpList, OpScan, OpPresign,
}

// Scheme identifies a backend service.
type Scheme string

// Capability declares what a backend supports. It is fixed when the
// accessor is built.
type Capability struct {
	Stat      bool
	Read      bool
	Write     bool
	CreateDir bool
	Delete    bool
	Copy      bool
	Rename    bool
	List      bool
	Scan      bool

	PresignRead  bool
	PresignWrite bool
	PresignStat  bool

	// ListLimit is the largest page a backend returns per list call.
	// Zero leaves the page size to the backend.
	ListLimit int

	// WriteCanRetry is set when repeating a write overwrites the same
	// object and is therefore safe to retry.
	WriteCanRetry bool
	// CreateDirCanRetry is the same guarantee for create_dir.
	CreateDirCanRetry bool

	// Metadata fields the backend fills in on stat and list.
	StatHasSize         bool
	StatHasLastModified bool
	StatHasETag         bool
	StatHasContentType  bool
}

// Presign reports whether any presign method is supported.
func (c Capability) Presign() bool {
	return c.PresignRead || c.PresignWrite || c.PresignStat
}

// Supports reports whether op may be dispatched to the backend.
func (c Capability) Supports(op Operation) bool {
	switch op {
	case OpStat:
		return c.Stat
	case OpRead:
		return c.Read
	case OpWrite:
		return c.Write
	case OpCreateDir:
		return c.CreateDir
	case OpDelete:
		return c.Delete
	case OpCopy:
		return c.Copy
	case OpRename:
		return c.Rename
	case OpList:
		return c.List
	case OpScan:
		return c.Scan
	case OpPresign:
		return c.Presign()
	}
	return false
}

// SupportsPresign reports whether presigning for the given method is
// supported.
func (c Capability) SupportsPresign(m PresignMethod) bool {
	switch m {
	case PresignMethodRead:
		return c.PresignRead
	case PresignMethodWrite:
		return c.PresignWrite
	case PresignMethodStat:
		return c.PresignStat
	}
	return false
}

// CanRetry reports whether the retry layer may repeat op after a
// transient failure.
func (c Capability) CanRetry(op Operation) bool {
	switch op {
	case OpWrite:
		return c.WriteCanRetry
	case OpCreateDir:
		return c.CreateDirCanRetry
	case OpCopy:
		return c.WriteCanRetry
	case OpRename:
		// A rename that succeeded server side fails with NotFound when
		// repeated.
		return false
	}
	return true
}

// ReadOnly returns a copy with every mutating operation disabled.
func (c Capability) ReadOnly() Capability {
	c.Write = false
	c.CreateDir = false
	c.Delete = false
	c.Copy = false
	c.Rename = false
	c.PresignWrite = false
	return c
}
