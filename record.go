// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsedEventRecord is one decoded EVTX event, produced by the BinXml
// Interpreter from a single record payload, per spec §4.5/§6. The
// well-known System section fields are surfaced directly; everything
// else (EventData/UserData) is reachable through Root's Children.
type ParsedEventRecord struct {
	ChunkIndex int
	RecordID   uint64
	Offset     uint32

	Provider  string
	EventID   int
	Version   int
	Level     int
	Task      int
	Opcode    int
	Keywords  string
	TimeStamp string
	Channel   string
	Computer  string

	Root *xmlNode
}

// xmlNode is a materialized BinXml element, used both to extract the
// well-known System fields and to serialize the full record as XML.
type xmlNode struct {
	Name     string
	Attrs    []xmlAttr
	Text     strings.Builder
	Children []*xmlNode
	parent   *xmlNode
}

type xmlAttr struct {
	Name  string
	Value string
}

// nodeBuilder is the eventHandler that materializes a token stream
// into an xmlNode tree. Every record is built this way: the tree serves
// both field extraction (buildParsedEventRecord) and XML rendering
// (WriteXML); no one-pass XML rendering path exists.
type nodeBuilder struct {
	root    *xmlNode
	current *xmlNode
}

func newNodeBuilder() *nodeBuilder {
	root := &xmlNode{Name: "#fragment"}
	return &nodeBuilder{root: root, current: root}
}

func (b *nodeBuilder) openElement(name string) {
	n := &xmlNode{Name: name, parent: b.current}
	b.current.Children = append(b.current.Children, n)
	b.current = n
}

func (b *nodeBuilder) attribute(name, value string) {
	b.current.Attrs = append(b.current.Attrs, xmlAttr{Name: name, Value: value})
}

func (b *nodeBuilder) closeStartElement() {}

func (b *nodeBuilder) closeEmptyElement() {
	if b.current.parent != nil {
		b.current = b.current.parent
	}
}

func (b *nodeBuilder) endElement() {
	if b.current.parent != nil {
		b.current = b.current.parent
	}
}

func (b *nodeBuilder) text(s string) { b.current.Text.WriteString(s) }

func (b *nodeBuilder) cdata(s string) { b.current.Text.WriteString(s) }

func (b *nodeBuilder) processingInstruction(target, data string) {}

// child returns the first direct child element named name, if any.
func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// buildParsedEventRecord walks a materialized <Event> tree and lifts
// the well-known System section fields, per spec §4.5's field list.
func buildParsedEventRecord(chunkIndex int, recordID uint64, offset uint32, root *xmlNode) *ParsedEventRecord {
	rec := &ParsedEventRecord{ChunkIndex: chunkIndex, RecordID: recordID, Offset: offset, Root: root}

	event := root.child("Event")
	if event == nil && len(root.Children) == 1 {
		event = root.Children[0]
	}
	if event == nil {
		return rec
	}
	sys := event.child("System")
	if sys == nil {
		return rec
	}

	if p := sys.child("Provider"); p != nil {
		rec.Provider = p.attr("Name")
	}
	if e := sys.child("EventID"); e != nil {
		rec.EventID = atoiOr(strings.TrimSpace(e.Text.String()), 0)
	}
	if v := sys.child("Version"); v != nil {
		rec.Version = atoiOr(strings.TrimSpace(v.Text.String()), 0)
	}
	if l := sys.child("Level"); l != nil {
		rec.Level = atoiOr(strings.TrimSpace(l.Text.String()), 0)
	}
	if t := sys.child("Task"); t != nil {
		rec.Task = atoiOr(strings.TrimSpace(t.Text.String()), 0)
	}
	if o := sys.child("Opcode"); o != nil {
		rec.Opcode = atoiOr(strings.TrimSpace(o.Text.String()), 0)
	}
	if k := sys.child("Keywords"); k != nil {
		rec.Keywords = strings.TrimSpace(k.Text.String())
	}
	if tc := sys.child("TimeCreated"); tc != nil {
		rec.TimeStamp = tc.attr("SystemTime")
	}
	if ch := sys.child("Channel"); ch != nil {
		rec.Channel = strings.TrimSpace(ch.Text.String())
	}
	if comp := sys.child("Computer"); comp != nil {
		rec.Computer = strings.TrimSpace(comp.Text.String())
	}
	return rec
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// WriteXML renders n and its subtree as XML text, escaping entities
// per spec §4.5: attribute values escape '&', '<', '"'; element text
// escapes '&', '<', '>'.
func (n *xmlNode) WriteXML(sb *strings.Builder) {
	if n.Name == "#fragment" {
		for _, c := range n.Children {
			c.WriteXML(sb)
		}
		return
	}
	sb.WriteByte('<')
	sb.WriteString(n.Name)
	for _, a := range n.Attrs {
		fmt.Fprintf(sb, " %s=\"%s\"", a.Name, escapeAttr(a.Value))
	}
	text := n.Text.String()
	if len(n.Children) == 0 && text == "" {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	sb.WriteString(escapeText(text))
	for _, c := range n.Children {
		c.WriteXML(sb)
	}
	sb.WriteString("</")
	sb.WriteString(n.Name)
	sb.WriteByte('>')
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// RenderXML returns the canonical XML text for the full record.
func (r *ParsedEventRecord) RenderXML() string {
	var sb strings.Builder
	r.Root.WriteXML(&sb)
	return sb.String()
}
