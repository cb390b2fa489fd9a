// Command shmcam owns a camera's shared region. It creates the region, sets
// the initial flags, serves the MQTT control plane and, on SIGINT/SIGTERM,
// latches Exit and removes the region once the stages have detached.
package main

import (
	"flag"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/control"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

func main() {
	common := app.Flags()
	broker := flag.String("mqtt", "", "MQTT broker URL, overrides mqtt.broker")
	flag.Parse()

	st := app.Init("shmcam", common)
	if *broker != "" {
		st.MQTT.Broker = *broker
	}

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	owner := control.NewOwner(st.Config, m)
	if err := owner.Create(); err != nil {
		logger.Fatal("Main", "Cannot create region %q: %v", st.CameraID, err)
	}
	if err := owner.Run(ctx); err != nil {
		logger.Error("Main", "Owner stopped: %v", err)
	}
	logger.Info("Main", "Region %q removed", st.CameraID)
}
