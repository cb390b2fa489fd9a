// Command detector runs person detection over the region's frames and
// publishes the boxes back into the region.
package main

import (
	"flag"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/detector"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

func main() {
	common := app.Flags()
	url := flag.String("url", "", "Detection service URL, overrides detector.url")
	flag.Parse()

	st := app.Init("detector", common)
	if *url != "" {
		st.Detector.URL = *url
	}
	dc := st.Detector

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	reg := app.Attach(ctx, st)
	defer reg.Close()

	det := detector.NewHTTPDetector(dc.URL, dc.Timeout, dc.Quality)
	logger.Info("Main", "Detection service: %s", dc.URL)

	stage := detector.NewStage(det, reg, dc.Threshold, dc.Rate, m)
	if err := stage.Run(ctx); err != nil {
		logger.Error("Main", "Detector stopped: %v", err)
	}
	logger.Info("Main", "Persons seen: %d", det.Persons())
	m.LogCycle()
}
