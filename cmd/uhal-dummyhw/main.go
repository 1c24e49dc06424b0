// uhal-dummyhw runs the software dummy device standalone, for testing
// clients against a live UDP endpoint.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"gopkg.in/yaml.v3"

	"github.com/go-daq/uhal/dummyhw"
)

var (
	app      = kingpin.New("uhal-dummyhw", "Run a software IPbus 2.0 device on UDP.")
	port     = app.Flag("port", "UDP port to listen on (0 picks a free one).").Default("50001").Int()
	cfgFile  = app.Flag("config", "YAML device description, overrides --port.").String()
	dropNext = app.Flag("drop-next", "Drop the next N control replies.").Int()
	dropAll  = app.Flag("drop-all", "Silently swallow every packet.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := dummyhw.Config{Port: *port, DropNextReplies: *dropNext, DropAll: *dropAll}
	if *cfgFile != "" {
		data, err := os.ReadFile(*cfgFile)
		if err != nil {
			app.Fatalf("%v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			app.Fatalf("bad config %q: %v", *cfgFile, err)
		}
	}

	dev, err := dummyhw.NewFromConfig(cfg)
	if err != nil {
		app.Fatalf("%v", err)
	}
	defer dev.Close()
	fmt.Printf("dummy device listening on %v\n", dev.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
