package proto

// Opcode identifies the operation a frame carries, per the table in
// spec.md §4.2 plus the Auth handshake message from §6.
type Opcode uint8

const (
	opcodeInvalid Opcode = iota

	OpAuth

	OpGetAttr
	OpReadDir
	OpReadlink
	OpOpenRead
	OpRead
	OpClose
	OpOpenWrite
	OpWrite
	OpFsync
	OpUnlink
	OpMkdir
	OpRmdir
	OpRename
	OpChmod
	OpChown
	OpUtimens
	OpSymlink
	OpLink
	OpBulkFetch
	OpStatfs

	opcodeMax
)

func (o Opcode) String() string {
	switch o {
	case OpAuth:
		return "Auth"
	case OpGetAttr:
		return "GetAttr"
	case OpReadDir:
		return "ReadDir"
	case OpReadlink:
		return "Readlink"
	case OpOpenRead:
		return "OpenRead"
	case OpRead:
		return "Read"
	case OpClose:
		return "Close"
	case OpOpenWrite:
		return "OpenWrite"
	case OpWrite:
		return "Write"
	case OpFsync:
		return "Fsync"
	case OpUnlink:
		return "Unlink"
	case OpMkdir:
		return "Mkdir"
	case OpRmdir:
		return "Rmdir"
	case OpRename:
		return "Rename"
	case OpChmod:
		return "Chmod"
	case OpChown:
		return "Chown"
	case OpUtimens:
		return "Utimens"
	case OpSymlink:
		return "Symlink"
	case OpLink:
		return "Link"
	case OpBulkFetch:
		return "BulkFetch"
	case OpStatfs:
		return "Statfs"
	default:
		return "Unknown"
	}
}
