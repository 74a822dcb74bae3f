package layout

import (
	"bytes"

	"github.com/tchajed/marshal"

	"github.com/go-blockfs/blockfs/common"
)

// A DirEnt binds one name to an inode number. A directory's byte content is
// a packed array of encoded entries, so record idx lives at byte offset
// idx*DIRENTSZ.
type DirEnt struct {
	Name string
	Inum common.Inum
}

// ClipName truncates s at the name field's capacity. A name longer than
// MAXNMLEN bytes aliases its truncation everywhere: stored forms and lookup
// probes are both clipped, so the two resolve to the same record.
func ClipName(s string) string {
	if uint64(len(s)) > common.MAXNMLEN {
		return s[:common.MAXNMLEN]
	}
	return s
}

// Encode fixes the entry into its 32-byte on-disk form: the clipped name
// NUL-padded in a 24-byte field, then the inode number.
func (de DirEnt) Encode() []byte {
	name := make([]byte, common.MAXNMLEN+1)
	copy(name, ClipName(de.Name))
	enc := marshal.NewEnc(common.DIRENTSZ)
	enc.PutBytes(name)
	enc.PutInt(uint64(de.Inum))
	return enc.Finish()
}

func DecodeDirEnt(b []byte) DirEnt {
	dec := marshal.NewDec(b)
	name := dec.GetBytes(common.MAXNMLEN + 1)
	end := bytes.IndexByte(name, 0)
	if end < 0 {
		end = len(name)
	}
	return DirEnt{
		Name: string(name[:end]),
		Inum: common.Inum(dec.GetInt()),
	}
}
