// Command viewer serves the live view of a camera over HTTP.
package main

import (
	"flag"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/catalog"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/viewer"
)

func main() {
	common := app.Flags()
	addr := flag.String("http", "", "HTTP server address, overrides viewer.addr")
	flag.Parse()

	st := app.Init("viewer", common)
	if *addr != "" {
		st.Viewer.Addr = *addr
	}

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	reg := app.Attach(ctx, st)
	defer reg.Close()

	var recordings viewer.Lister
	if st.Catalog.Path != "" {
		cat, err := catalog.Open(st.Catalog.Path)
		if err != nil {
			logger.Warn("Main", "Recording list disabled: %v", err)
		} else {
			defer cat.Close()
			recordings = cat
		}
	}

	server := viewer.NewServer(st.CameraID, st.Viewer, reg, recordings, m)
	if err := server.Run(app.WatchExit(ctx, reg)); err != nil {
		logger.Error("Main", "Server error: %v", err)
	}
}
