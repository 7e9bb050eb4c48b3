package wal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caleberi/chunkfs/common"
)

const (
	OpCreateDir    = "create_dir"
	OpCreate       = "create"
	OpSetChunkLoc  = "set_chunk_loc"
	OpCommitFile   = "commit_file"
	OpDelete       = "delete"
	OpCommitDelete = "commit_delete"
	OpAbortFile    = "abort_file"
)

// arity is the minimum number of arguments each command carries.
var arity = map[string]int{
	OpCreateDir:    2,
	OpCreate:       2,
	OpSetChunkLoc:  4,
	OpCommitFile:   2,
	OpDelete:       2,
	OpCommitDelete: 2,
	OpAbortFile:    3,
}

// Entry is one namespace mutation. Args[0] is always a directory path and
// Args[1] a name inside it.
type Entry struct {
	Command string
	Args    []string
}

func NewEntry(command string, args ...string) Entry {
	return Entry{Command: command, Args: args}
}

func NewSetChunkLoc(dir, name string, id common.ChunkID, replicas []common.ServerIndex) (Entry, error) {
	if replicas == nil {
		replicas = []common.ServerIndex{}
	}
	list, err := json.Marshal(replicas)
	if err != nil {
		return Entry{}, err
	}
	return NewEntry(OpSetChunkLoc, dir, name, string(id), string(list)), nil
}

func (e Entry) Dir() string  { return e.Args[0] }
func (e Entry) Name() string { return e.Args[1] }

// Replicas decodes the replica list of a set_chunk_loc entry.
func (e Entry) Replicas() ([]common.ServerIndex, error) {
	if e.Command != OpSetChunkLoc {
		return nil, fmt.Errorf("%s entry has no replica list", e.Command)
	}
	var out []common.ServerIndex
	if err := json.Unmarshal([]byte(e.Args[3]), &out); err != nil {
		return nil, fmt.Errorf("bad replica list %q: %w", e.Args[3], err)
	}
	return out, nil
}

func (e Entry) String() string {
	return strings.Join(append([]string{e.Command}, e.Args...), " ")
}

func (e Entry) validate() error {
	want, ok := arity[e.Command]
	if !ok {
		return fmt.Errorf("unknown log command %q", e.Command)
	}
	if len(e.Args) < want {
		return fmt.Errorf("%s expects %d arguments, got %d", e.Command, want, len(e.Args))
	}
	for _, arg := range e.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\r\n") {
			return fmt.Errorf("%s argument %q cannot be logged", e.Command, arg)
		}
	}
	return nil
}

// ParseEntry decodes one log line. The replica list of set_chunk_loc may
// contain spaces ("[0, 1]"), so everything after the chunk id is taken as
// the list.
func ParseEntry(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Entry{}, fmt.Errorf("empty log line")
	}
	e := Entry{Command: fields[0], Args: fields[1:]}
	if e.Command == OpSetChunkLoc && len(e.Args) > 4 {
		e.Args = append(e.Args[:3:3], strings.Join(e.Args[3:], ""))
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	if e.Command == OpSetChunkLoc {
		if _, err := e.Replicas(); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}
