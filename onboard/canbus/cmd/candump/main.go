package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

// Prints every frame seen on a SocketCAN interface, optionally limited to one node.
func main() {
	ifname := flag.String("i", "can0", "CAN interface to listen on")
	node := flag.Uint("node", 0, "only show frames from this node id (0 for all)")
	flag.Parse()

	fmt.Printf("Opening listener on %s\n", *ifname)
	bus, err := canbus.NewSocketCAN(*ifname)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer bus.Close()

	var match canbus.MsgFilter
	if *node != 0 {
		match = func(msg canbus.CANMsg) bool {
			return msg.ID&0x7F == uint32(*node)
		}
	}

	rxc := make(chan canbus.CANMsg, 256)
	bus.AddListener(match, rxc)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	for {
		select {
		case msg := <-rxc:
			fmt.Printf("0x%03x \t[%d] \t", msg.ID, len(msg.Data))
			for i := 0; i < len(msg.Data); i++ {
				fmt.Printf("%02x ", msg.Data[i])
			}
			fmt.Printf("\n")
		case <-sig:
			return
		}
	}
}
