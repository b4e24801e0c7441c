package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"engine_reachable": a.SD.HealthCheck(r.Context()),
	})
}

// EngineStatus reports the monitor's view of the external engine.
func (a *App) EngineStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.Engine.Snapshot()
	a.json(w, http.StatusOK, map[string]any{
		"status":      string(snap.Status),
		"progress":    snap.Progress,
		"eta_seconds": snap.ETASeconds,
		"job":         snap.Job,
		"engine_url":  a.SD.BaseURL(),
	})
}

// ProcessingOptions lists the engine's available upscalers, models, samplers
// and schedulers. Listings that fail come back as empty arrays; the engine
// being down should not 500 an options lookup.
func (a *App) ProcessingOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	upscalers, err := a.SD.Upscalers(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("http: upscaler listing failed")
	}
	models, err := a.SD.Models(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("http: model listing failed")
	}
	samplers, err := a.SD.Samplers(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("http: sampler listing failed")
	}
	schedulers, err := a.SD.Schedulers(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("http: scheduler listing failed")
	}

	names := func(n int, get func(int) string) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, get(i))
		}
		return out
	}
	a.json(w, http.StatusOK, map[string]any{
		"upscalers":  names(len(upscalers), func(i int) string { return upscalers[i].Name }),
		"models":     names(len(models), func(i int) string { return models[i].ModelName }),
		"samplers":   names(len(samplers), func(i int) string { return samplers[i].Name }),
		"schedulers": names(len(schedulers), func(i int) string { return schedulers[i].Label }),
	})
}
