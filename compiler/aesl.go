package compiler

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// ErrNoCode is returned by Network.CodeFor when no node entry matches.
var ErrNoCode = errors.New("no code for node")

// Network is the content of an .aesl file: definitions shared by all
// nodes plus per-node source code keyed by node name then node id.
type Network struct {
	Source      string
	Definitions model.CommonDefinitions
	Code        map[string]map[int]string
}

type aeslDocument struct {
	XMLName   xml.Name       `xml:"network"`
	Events    []aeslEvent    `xml:"event"`
	Constants []aeslConstant `xml:"constant"`
	Nodes     []aeslNode     `xml:"node"`
}

type aeslEvent struct {
	Name string `xml:"name,attr"`
	Size string `xml:"size,attr"`
}

type aeslConstant struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type aeslNode struct {
	Name   string `xml:"name,attr"`
	NodeID string `xml:"nodeId,attr"`
	Text   string `xml:",chardata"`
}

// LoadNetwork parses an .aesl document. Entries with missing attributes
// are skipped; an event larger than the event argument area is an error.
func LoadNetwork(r io.Reader, source string) (*Network, error) {
	var doc aeslDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	n := &Network{Source: source, Code: make(map[string]map[int]string)}
	for _, ev := range doc.Events {
		if ev.Name == "" || ev.Size == "" {
			continue
		}
		size, err := strconv.Atoi(ev.Size)
		if err != nil {
			return nil, fmt.Errorf("event %q: invalid size %q", ev.Name, ev.Size)
		}
		if size > vm.MaxEventArgs {
			return nil, fmt.Errorf("event %q has a length %d larger than maximum %d", ev.Name, size, vm.MaxEventArgs)
		}
		n.Definitions.Events = append(n.Definitions.Events, model.NamedValue{Name: ev.Name, Value: size})
	}
	for _, c := range doc.Constants {
		if c.Name == "" || c.Value == "" {
			continue
		}
		v, err := strconv.Atoi(c.Value)
		if err != nil {
			return nil, fmt.Errorf("constant %q: invalid value %q", c.Name, c.Value)
		}
		n.Definitions.Constants = append(n.Definitions.Constants, model.NamedValue{Name: c.Name, Value: v})
	}
	for _, node := range doc.Nodes {
		if node.Name == "" {
			continue
		}
		id := 0
		if node.NodeID != "" {
			id, _ = strconv.Atoi(node.NodeID)
		}
		if n.Code[node.Name] == nil {
			n.Code[node.Name] = make(map[int]string)
		}
		n.Code[node.Name][id] = node.Text
	}
	return n, nil
}

// LoadNetworkFile reads an .aesl file from disk.
func LoadNetworkFile(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadNetwork(f, path)
}

// SingleNode wraps plain source code for one node.
func SingleNode(name string, id int, code string) *Network {
	return &Network{
		Source: "inline",
		Code:   map[string]map[int]string{name: {id: code}},
	}
}

// CodeFor selects the code for a node of class name with the given id:
// the entry with that id, else the entry with id 0, else the entry with
// the lowest id.
func (n *Network) CodeFor(name string, id int) (string, error) {
	byID, ok := n.Code[name]
	if !ok || len(byID) == 0 {
		return "", fmt.Errorf("%w named %q in %s", ErrNoCode, name, n.Source)
	}
	if code, ok := byID[id]; ok {
		return code, nil
	}
	if code, ok := byID[0]; ok {
		return code, nil
	}
	ids := make([]int, 0, len(byID))
	for k := range byID {
		ids = append(ids, k)
	}
	sort.Ints(ids)
	return byID[ids[0]], nil
}
