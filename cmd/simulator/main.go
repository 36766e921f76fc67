// Command simulator runs a single node on a single hub, the way a robot
// would appear on the network, until the wait time elapses or it is
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/network"
	"github.com/signalsfoundry/aseba-hub/timectrl"
)

const spinInterval = 100 * time.Millisecond

type options struct {
	IP     string
	Port   int
	Name   string
	Kind   string
	Script string
	Wait   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.IP, "ip", network.DefaultAddress, "host address to listen on")
	flag.IntVar(&opts.Port, "port", network.DefaultPort, "hub port")
	flag.StringVar(&opts.Name, "name", "node", "node name")
	flag.StringVar(&opts.Kind, "kind", "", "capability set (node, thymio-II or e-puck); defaults to the name")
	flag.StringVar(&opts.Script, "script", "", "plain or .aesl script to load at startup")
	flag.DurationVar(&opts.Wait, "wait", 60*time.Second, "how long to run (0 runs until interrupted)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, log, nil); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

// run serves one node until ctx is done or opts.Wait elapses. ready, when
// non-nil, receives the manager once the node exists; it is only safe to
// use from a Do callback.
func run(ctx context.Context, opts options, log logging.Logger, ready chan<- *network.Manager) error {
	mgr := network.NewManager(network.ManagerOptions{Logger: log})
	defer mgr.Close()
	mgr.SetAddress(opts.IP)

	n, err := mgr.CreateNode(network.NodeSpec{ID: -1, Port: opts.Port, Kind: opts.Kind, Name: opts.Name})
	if err != nil {
		return err
	}
	if opts.Script != "" {
		if err := mgr.LoadScriptFromFile(ctx, n.ID(), opts.Script); err != nil {
			return err
		}
	}
	log.Info(ctx, "node listening",
		logging.Uint16("node_id", n.ID()),
		logging.String("name", n.Name()),
		logging.String("addr", mgr.Hub(opts.Port).Addr().String()))
	if ready != nil {
		ready <- mgr
	}

	tc := timectrl.NewTimeController(time.Now().UTC(), spinInterval, timectrl.RealTime)
	tc.AddListener(func(_ time.Time, dt time.Duration) { mgr.Spin(dt) })
	err = tc.Run(ctx, opts.Wait)
	mgr.DestroyAllNodes()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
