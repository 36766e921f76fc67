package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/signalsfoundry/aseba-hub/compiler"
	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// LoadScript compiles source against the node's current capability
// snapshot and installs it. On failure the previous program keeps running
// and the error wraps both ErrCompileFailure and the *compiler.Error.
func (n *Node) LoadScript(source string) error {
	res, err := compiler.Compile(n.Description(), &n.definitions, source)
	if err != nil {
		n.log.Warn(context.Background(), "script rejected", logging.Err(err))
		return fmt.Errorf("node %d: %w: %w", n.id, ErrCompileFailure, err)
	}
	n.install(res.Bytecode)
	n.source = source
	n.log.Info(context.Background(), "script loaded",
		logging.Int("bytecode_words", len(res.Bytecode)),
		logging.Int("variables", res.AllocatedVariables))
	return nil
}

// install goes through the debug channel the way an IDE would: set the
// bytecode, which resets the node, then run.
func (n *Node) install(code []uint16) {
	padded := make([]uint16, len(n.VM.Bytecode))
	copy(padded, code)
	n.VM.DebugMessage(protocol.SetBytecodeCommand(n.id, 0, padded))
	n.VM.DebugMessage(protocol.Command(protocol.TypeRun, n.id))
	n.VM.Run(vm.DefaultRunLimit)
}

// LoadNetwork selects the node's code in an .aesl network, adopts its
// shared definitions and loads it.
func (n *Node) LoadNetwork(net *compiler.Network) error {
	code, err := net.CodeFor(n.name, int(n.id))
	if err != nil {
		return fmt.Errorf("node %d (%s): %w: %w", n.id, n.name, ErrNoScriptForNode, err)
	}
	previous := n.definitions
	n.definitions = net.Definitions
	if err := n.LoadScript(code); err != nil {
		n.definitions = previous
		return err
	}
	return nil
}

// LoadScriptFile loads an .aesl network file or a plain source file.
func (n *Node) LoadScriptFile(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".aesl") {
		net, err := compiler.LoadNetworkFile(path)
		if err != nil {
			return err
		}
		return n.LoadNetwork(net)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return n.LoadScript(string(b))
}
