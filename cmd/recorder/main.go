// Command recorder records the camera while people are detected.
package main

import (
	"flag"

	"github.com/TheBlackmad/AutomatedHome/internal/app"
	"github.com/TheBlackmad/AutomatedHome/internal/catalog"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/recorder"
)

func main() {
	common := app.Flags()
	recordPath := flag.String("record-path", "", "Recording output path, overrides recording.path")
	flag.Parse()

	st := app.Init("recorder", common)
	if *recordPath != "" {
		st.Recording.Path = *recordPath
	}
	rc := st.Recording

	ctx, stop := app.Context()
	defer stop()
	m := app.Metrics(ctx, st)

	reg := app.Attach(ctx, st)
	defer reg.Close()

	rec := recorder.New(recorder.Config{
		CameraID:     st.CameraID,
		Dir:          rc.Path,
		FPS:          rc.FPS,
		Tail:         rc.Tail,
		History:      rc.History,
		QueueSize:    rc.QueueSize,
		DrainTimeout: rc.DrainTimeout,
		SettleDelay:  rc.SettleDelay,
		Quality:      rc.Quality,
	}, reg, m)

	if st.Catalog.Path != "" {
		cat, err := catalog.Open(st.Catalog.Path)
		if err != nil {
			logger.Warn("Main", "Recording catalog disabled: %v", err)
		} else {
			defer cat.Close()
			rec.SetSaver(cat)
		}
	}

	logger.Info("Main", "Recording to %s at %.1f fps (tail %v)", rc.Path, rc.FPS, rc.Tail)
	if err := rec.Run(ctx); err != nil {
		logger.Error("Main", "Recorder stopped: %v", err)
	}
	m.LogCycle()
}
