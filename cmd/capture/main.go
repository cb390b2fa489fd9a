// Command capture publishes frames from a camera, stream or file into the
// shared region.
package main

import (
	"flag"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/capture"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

func main() {
	common := app.Flags()
	source := flag.String("source", "", "Video source (device index, URL, file or \"pattern\"), overrides capture.source")
	flag.Parse()

	st := app.Init("capture", common)
	if *source != "" {
		st.Capture.Source = *source
	}

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	reg := app.Attach(ctx, st)
	defer reg.Close()

	src, err := capture.Open(st.Capture)
	if err != nil {
		reg.Close()
		logger.Fatal("Main", "Cannot open source %q: %v", st.Capture.Source, err)
	}
	defer src.Close()

	var pipe *capture.Pipe
	if st.Capture.PipePath != "" {
		if pipe, err = capture.NewPipe(st.Capture.PipePath); err != nil {
			logger.Warn("Main", "Pipe export disabled: %v", err)
			pipe = nil
		} else {
			defer pipe.Remove()
		}
	}

	stage := capture.NewStage(src, reg, st.Capture.FPS, pipe, m)
	if err := stage.Run(ctx); err != nil {
		logger.Error("Main", "Capture stopped: %v", err)
	}
	m.LogCycle()
}
