// uhal-dump prints the address map of a device described by a connection
// file.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin"
	"github.com/olekukonko/tablewriter"

	"github.com/go-daq/uhal/uhal"
)

var (
	app      = kingpin.New("uhal-dump", "Print the address map of a device from a connection file.")
	connFile = app.Arg("connections", "Connection file (path or file:// URI).").Required().String()
	deviceID = app.Arg("device", "Device id within the connection file.").Required().String()
	pattern  = app.Flag("regex", "Only show node paths matching this regular expression.").Short('r').String()
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

	paths := hw.Nodes()
	if *pattern != "" {
		if paths, err = hw.NodesRegexp(*pattern); err != nil {
			app.Fatalf("%v", err)
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Address", "Mask", "Mode", "Perm", "Size", "Tags"})
	for _, path := range paths {
		view, err := hw.GetNode(path)
		if err != nil {
			app.Fatalf("%v", err)
		}
		n := view.Node()
		table.Append([]string{
			path,
			fmt.Sprintf("0x%08x", n.Address()),
			fmt.Sprintf("0x%08x", n.Mask()),
			n.Mode().String(),
			n.Permission().String(),
			fmt.Sprintf("%d", n.Size()),
			n.Tags(),
		})
	}
	table.Render()
}
