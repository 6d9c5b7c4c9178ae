// Package doc models the replicated document capability the sync engine is
// built on: an opaque, conflict-free mergeable replica supporting local
// mutation, binary delta export/import, and change notification.
//
// The merge algorithm itself is a swappable capability behind the Document
// interface. The package ships a last-writer-wins register implementation
// that is deterministic and order-independent, which is what the engine's
// orchestration and tests exercise; a richer CRDT can be dropped in without
// touching the sync machinery.
package doc

// TitleKey is the synthetic block key under which the document title is
// replicated. Block ids never collide with it because they are non-empty.
const TitleKey = ""

// Block is one content block of a document.
type Block struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Content is the materialized state of a document: the title plus the
// ordered block list. It is what snapshots and the search index are
// derived from.
type Content struct {
	Title  string  `json:"title"`
	Blocks []Block `json:"blocks"`
}

// Block returns the text of a block and whether it exists.
func (c Content) Block(blockID string) (string, bool) {
	for _, b := range c.Blocks {
		if b.ID == blockID {
			return b.Text, true
		}
	}
	return "", false
}

// Document is a conflict-free replicated document replica.
//
// ApplyDelta merges a remote delta into the replica; merges are automatic,
// deterministic, and order-independent. The returned slice holds the block
// ids whose winning value changed (TitleKey for the title), which is what
// drives incremental search reindexing.
type Document interface {
	ID() string
	Content() Content

	SetTitle(title string)
	PutBlock(blockID, text string)
	RemoveBlock(blockID string)

	ExportState() ([]byte, error)
	ApplyDelta(delta []byte) (changed []string, err error)

	OnChange(fn func(changed []string))
}
