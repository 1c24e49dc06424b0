// uhal-shell is an interactive register poke tool: it connects to one
// device from a connection file and offers read/write/nodes commands.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"

	"github.com/go-daq/uhal/uhal"
)

var (
	app      = kingpin.New("uhal-shell", "Interactive register access for one device.")
	connFile = app.Arg("connections", "Connection file (path or file:// URI).").Required().String()
	deviceID = app.Arg("device", "Device id within the connection file.").Required().String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	cm, err := uhal.NewConnectionManager(*connFile)
	if err != nil {
		app.Fatalf("%v", err)
	}
	hw, err := cm.GetDevice(*deviceID)
	if err != nil {
		app.Fatalf("%v", err)
	}
	defer hw.Close()

	rl, err := readline.New(*deviceID + "> ")
	if err != nil {
		app.Fatalf("%v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			fmt.Println("commands: read <path>  write <path> <value>  nodes [regex]  quit")
		case "read":
			if len(fields) != 2 {
				fmt.Println("usage: read <path>")
				continue
			}
			doRead(hw, fields[1])
		case "write":
			if len(fields) != 3 {
				fmt.Println("usage: write <path> <value>")
				continue
			}
			doWrite(hw, fields[1], fields[2])
		case "nodes":
			expr := ".*"
			if len(fields) > 1 {
				expr = fields[1]
			}
			doNodes(hw, expr)
		default:
			fmt.Printf("unknown command %q, try help\n", fields[0])
		}
	}
}

func doRead(hw *uhal.HwInterface, path string) {
	view, err := hw.GetNode(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	word, err := view.Read()
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := hw.Dispatch(); err != nil {
		fmt.Println(err)
		return
	}
	value, err := word.Value()
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("%s = 0x%08x\n", path, value)
}

func doWrite(hw *uhal.HwInterface, path, raw string) {
	value, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		fmt.Printf("bad value %q: %v\n", raw, err)
		return
	}
	view, err := hw.GetNode(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	if _, err := view.Write(uint32(value)); err != nil {
		fmt.Println(err)
		return
	}
	if err := hw.Dispatch(); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("%s <- 0x%08x\n", path, uint32(value))
}

func doNodes(hw *uhal.HwInterface, expr string) {
	paths, err := hw.NodesRegexp(expr)
	if err != nil {
		fmt.Println(err)
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Address", "Mode", "Perm"})
	for _, path := range paths {
		view, err := hw.GetNode(path)
		if err != nil {
			continue
		}
		n := view.Node()
		table.Append([]string{path, fmt.Sprintf("0x%08x", n.Address()), n.Mode().String(), n.Permission().String()})
	}
	table.Render()
}
