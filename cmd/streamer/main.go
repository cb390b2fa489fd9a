// Command streamer serves the camera to browsers over WebRTC data channels.
package main

import (
	"flag"
	"strings"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/streamer"
)

func main() {
	common := app.Flags()
	addr := flag.String("http", "", "Signalling address, overrides streamer.addr")
	stun := flag.String("stun", "", "STUN server URLs (comma-separated), overrides streamer.stun")
	maxClients := flag.Int("max-clients", 0, "Maximum WebRTC clients, overrides streamer.max_clients")
	flag.Parse()

	st := app.Init("streamer", common)
	if *addr != "" {
		st.Streamer.Addr = *addr
	}
	if *stun != "" {
		st.Streamer.STUN = strings.Split(*stun, ",")
	}
	if *maxClients > 0 {
		st.Streamer.MaxClients = *maxClients
	}

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	reg := app.Attach(ctx, st)
	defer reg.Close()

	server := streamer.NewServer(st.Streamer, reg, m)
	if err := server.ListenAndServe(app.WatchExit(ctx, reg), st.Streamer.Addr); err != nil {
		logger.Error("Main", "Server error: %v", err)
	}
}
