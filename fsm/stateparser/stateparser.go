package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/swapd-project/swapd/fsm"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// swapKinds maps the -fsm flag's accepted values onto the swap.Kind whose
// status DAG (swapdb.TransitionsFor) the nursery actually drives its
// per-swap fsm.StateMachine against.
var swapKinds = map[string]swap.Kind{
	"submarine": swap.Submarine,
	"reverse":   swap.Reverse,
	"chain":     swap.Chain,
}

func run() error {
	out := flag.String("out", "", "outfile")
	stateMachine := flag.String("fsm", "", "the swap state machine to parse")
	flag.Parse()

	if filepath.Ext(*out) != ".md" {
		return errors.New("wrong argument: out must be a .md file")
	}

	fp, err := filepath.Abs(*out)
	if err != nil {
		return err
	}

	kind, ok := swapKinds[*stateMachine]
	if !ok {
		fmt.Println("Missing or wrong argument: fsm must be one of:")
		fmt.Println("\tsubmarine")
		fmt.Println("\treverse")
		fmt.Println("\tchain")

		return nil
	}

	return writeMermaidFile(fp, statesFor(kind))
}

// statesFor builds the same fsm.States table nursery.newDispatcher builds
// for kind, off the single swapdb.TransitionsFor DAG both consult.
func statesFor(kind swap.Kind) fsm.States {
	states := fsm.States{}

	for status, nexts := range swapdb.TransitionsFor(kind) {
		transitions := fsm.Transitions{}
		for _, next := range nexts {
			transitions[fsm.EventType(next)] = fsm.StateType(next)
		}

		states[fsm.StateType(status)] = fsm.State{
			Action:      fsm.NoOpAction,
			Transitions: transitions,
		}
	}

	return states
}

func writeMermaidFile(filename string, states fsm.States) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	var b bytes.Buffer
	fmt.Fprint(&b, "```mermaid\nstateDiagram-v2\n")

	sortedStates := sortedKeys(states)
	for _, state := range sortedStates {
		edges := states[fsm.StateType(state)]
		// write state name
		if len(state) > 0 {
			fmt.Fprintf(&b, "%s\n", state)
		} else {
			state = "[*]"
		}
		// write transitions
		for edge, target := range edges.Transitions {
			fmt.Fprintf(&b, "%s --> %s: %s\n", state, target, edge)
		}
	}

	fmt.Fprint(&b, "```")
	_, err = f.Write(b.Bytes())
	if err != nil {
		return err
	}

	return nil
}

func sortedKeys(m fsm.States) []string {
	keys := make([]string, len(m))
	i := 0
	for k := range m {
		keys[i] = string(k)
		i++
	}
	sort.Strings(keys)
	return keys
}
