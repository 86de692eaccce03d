package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalEncoding returns the byte string a node's fingerprint is
// computed over: its kind, entity, canonical parameters, and the
// fingerprints of its dependencies in order.  Two nodes with equal
// encodings compute the same result, so the encoding doubles as the
// collision witness stored next to cached results.
func (g *Graph) CanonicalEncoding(id NodeID) []byte {
	n := g.Node(id)
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s|%s|", n.Kind, n.Entity)
	enc, err := json.Marshal(n.Params.canonical(g.Fingerprint))
	if err != nil {
		panic(fmt.Sprintf("ir: unencodable params on node %d: %s", id, err))
	}
	b.Write(enc)
	for _, dep := range n.Deps {
		fmt.Fprintf(&b, "|%s", g.Fingerprint(dep))
	}
	return b.Bytes()
}

// Fingerprint returns the node's content address: the hex SHA-256 of
// its canonical encoding.  Fingerprints are memoized; nodes are
// immutable once added so the memo never goes stale.
func (g *Graph) Fingerprint(id NodeID) string {
	n := g.Node(id)
	if n.fp == "" {
		sum := sha256.Sum256(g.CanonicalEncoding(id))
		n.fp = hex.EncodeToString(sum[:])
	}
	return n.fp
}

// Short abbreviates a fingerprint for display and for naming
// placeholders inside compiled queries.
func Short(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
