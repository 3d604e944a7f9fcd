package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"
)

// NodeKind tags a document Node.
type NodeKind int

const (
	NodeScalar NodeKind = iota
	NodeObject
	NodeArray
)

// Field is one member of an object node, in document order.
type Field struct {
	Key   string
	Value *Node
}

// Node is a parsed JSON value that keeps object members in document order.
type Node struct {
	Kind NodeKind

	// Fields holds object members.
	Fields []Field

	// Items holds array elements.
	Items []*Node

	// Scalar holds the decoded scalar: string, json.Number, bool or nil.
	Scalar any
}

// ParseDocument parses a JSON body. Comments and trailing commas are tolerated.
func ParseDocument(body []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(body)))
	dec.UseNumber()

	root, err := decodeNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected content after document")
	}
	return root, nil
}

func decodeNode(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return &Node{Kind: NodeScalar, Scalar: tok}, nil
	}

	switch delim {
	case '{':
		n := &Node{Kind: NodeObject}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("object key is %T, not a string", keyTok)
			}
			value, err := decodeNode(dec)
			if err != nil {
				return nil, err
			}
			n.Fields = append(n.Fields, Field{Key: key, Value: value})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return n, nil
	case '[':
		n := &Node{Kind: NodeArray}
		for dec.More() {
			item, err := decodeNode(dec)
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, item)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}

// Get returns the value of the first member whose key matches
// case-insensitively, or nil.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != NodeObject {
		return nil
	}
	for _, f := range n.Fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return nil
}

// Path follows keys through nested objects.
func (n *Node) Path(keys ...string) *Node {
	cur := n
	for _, k := range keys {
		cur = cur.Get(k)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// String returns the scalar as a string when it is one.
func (n *Node) String() (string, bool) {
	if n == nil || n.Kind != NodeScalar {
		return "", false
	}
	s, ok := n.Scalar.(string)
	return s, ok
}

// Walk visits n and every descendant depth-first in document order.
// Returning false from visit skips the node's children.
func (n *Node) Walk(visit func(*Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	switch n.Kind {
	case NodeObject:
		for _, f := range n.Fields {
			f.Value.Walk(visit)
		}
	case NodeArray:
		for _, item := range n.Items {
			item.Walk(visit)
		}
	}
}

// Activity types that invoke another pipeline.
const (
	activityExecutePipeline = "ExecutePipeline"
	activityInvokePipeline  = "InvokePipeline"
)

// PipelineReferences returns the identifiers of every pipeline the document
// invokes, in document order, duplicates included.
func PipelineReferences(doc *Node) []string {
	var refs []string
	doc.Walk(func(n *Node) bool {
		if n.Kind != NodeObject {
			return true
		}
		typ, _ := n.Get("type").String()
		switch {
		case strings.EqualFold(typ, activityExecutePipeline):
			if ref, ok := n.Path("typeProperties", "pipeline", "referenceName").String(); ok && ref != "" {
				refs = append(refs, ref)
			}
		case strings.EqualFold(typ, activityInvokePipeline):
			if ref, ok := n.Path("typeProperties", "pipelineId").String(); ok && ref != "" {
				refs = append(refs, ref)
			}
		}
		return true
	})
	return refs
}
